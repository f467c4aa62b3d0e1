package stages

import (
	"fmt"

	"github.com/airframesio/tripdata-sync/cmd/snowsql"
)

// Provider names a destination system whose error codes are classified
type Provider string

// ProviderSnowflake is the Snowflake internal stage
const ProviderSnowflake Provider = "snowflake"

type providerCode struct {
	provider Provider
	code     int
}

// benignPushCodes lists provider responses that report an error although the
// push succeeded.
var benignPushCodes = map[providerCode]string{
	{ProviderSnowflake, snowsql.CodePutNoResultSet}: "PUT succeeded without returning a result set",
}

// Classification is the verdict on a push error
type Classification struct {
	Benign   bool
	Provider Provider
	Code     int
	Reason   string
}

// IsBenign looks up a provider code in the benign response table
func IsBenign(provider Provider, code int) (string, bool) {
	reason, ok := benignPushCodes[providerCode{provider, code}]
	return reason, ok
}

// ClassifyPushError decides whether a push error is a documented benign
// response. The decision is keyed on the provider error code, never on the
// message text.
func ClassifyPushError(err error) Classification {
	if err == nil {
		return Classification{Benign: true}
	}

	code, ok := snowsql.ErrorCode(err)
	if !ok {
		return Classification{Reason: err.Error()}
	}

	if reason, ok := IsBenign(ProviderSnowflake, code); ok {
		return Classification{Benign: true, Provider: ProviderSnowflake, Code: code, Reason: reason}
	}
	return Classification{
		Provider: ProviderSnowflake,
		Code:     code,
		Reason:   fmt.Sprintf("snowflake error %d: %v", code, err),
	}
}
