package warehouse

// SchemaVersion identifies the raw trip table column set below
const SchemaVersion = "v1"

// Column maps one Parquet field onto a raw table column
type Column struct {
	Name   string
	Type   string
	Source string // Parquet field; defaults to Name
	Cast   string // COPY cast; defaults to Type
	Extra  string // DDL suffix such as DEFAULT
}

// TripColumns is the raw high-volume FHV trip table, in load order
var TripColumns = []Column{
	{Name: "hvfhs_license_num", Type: "VARCHAR(6)"},
	{Name: "request_datetime", Type: "TIMESTAMP_NTZ"},
	{Name: "on_scene_datetime", Type: "TIMESTAMP_NTZ"},
	{Name: "pickup_datetime", Type: "TIMESTAMP_NTZ"},
	{Name: "dropoff_datetime", Type: "TIMESTAMP_NTZ"},
	{Name: "PULocationID", Type: "NUMBER(3)"},
	{Name: "DOLocationID", Type: "NUMBER(3)"},
	{Name: "trip_miles", Type: "FLOAT"},
	{Name: "trip_time", Type: "NUMBER"},
	{Name: "base_passenger_fare", Type: "FLOAT"},
	{Name: "tolls", Type: "FLOAT"},
	{Name: "bcf", Type: "FLOAT"},
	{Name: "sales_tax", Type: "FLOAT"},
	{Name: "congestion_surcharge", Type: "FLOAT"},
	{Name: "airport_fee", Type: "FLOAT"},
	{Name: "tips", Type: "FLOAT"},
	{Name: "driver_pay", Type: "FLOAT"},
	{Name: "cbd_congestion_fee", Type: "FLOAT", Source: "cbd_congestion_surcharge", Extra: "DEFAULT 0.0"},
	{Name: "shared_request_flag", Type: "BOOLEAN", Cast: "STRING"},
	{Name: "shared_match_flag", Type: "BOOLEAN", Cast: "STRING"},
	{Name: "access_a_ride_flag", Type: "BOOLEAN", Cast: "STRING"},
	{Name: "wav_request_flag", Type: "BOOLEAN", Cast: "STRING"},
	{Name: "wav_match_flag", Type: "BOOLEAN", Cast: "STRING"},
}

func (c Column) source() string {
	if c.Source != "" {
		return c.Source
	}
	return c.Name
}

func (c Column) cast() string {
	if c.Cast != "" {
		return c.Cast
	}
	return c.Type
}
