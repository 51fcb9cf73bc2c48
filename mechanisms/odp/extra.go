package odp

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// RequirementsExtra is the scheme-specific block a resource server places in
// PaymentRequirements.Extra for odp-deferred offers.
type RequirementsExtra struct {
	SessionID            string   `json:"sessionId"`
	StartNonce           string   `json:"startNonce"`
	MaxSpend             string   `json:"maxSpend"`
	Expiry               string   `json:"expiry"`
	SettlementContract   string   `json:"settlementContract"`
	DebitWallet          string   `json:"debitWallet"`
	WithdrawDelaySeconds string   `json:"withdrawDelaySeconds"`
	AuthorizedProcessors []string `json:"authorizedProcessors,omitempty"`
	RequestHash          string   `json:"requestHash,omitempty"`
}

// extraSchema validates shape and hex lengths before typed parsing.
const extraSchema = `{
  "type": "object",
  "required": ["sessionId", "startNonce", "maxSpend", "expiry", "settlementContract", "debitWallet", "withdrawDelaySeconds"],
  "properties": {
    "sessionId":            {"type": "string", "pattern": "^0x[0-9a-f]{64}$"},
    "startNonce":           {"type": "string", "pattern": "^(0|[1-9][0-9]*)$"},
    "maxSpend":             {"type": "string", "pattern": "^(0|[1-9][0-9]*)$"},
    "expiry":               {"type": "string", "pattern": "^(0|[1-9][0-9]*)$"},
    "settlementContract":   {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
    "debitWallet":          {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
    "withdrawDelaySeconds": {"type": "string", "pattern": "^(0|[1-9][0-9]*)$"},
    "authorizedProcessors": {"type": "array", "items": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"}},
    "requestHash":          {"type": "string", "pattern": "^0x[0-9a-f]{64}$"}
  }
}`

var extraSchemaLoader = gojsonschema.NewStringLoader(extraSchema)

// ParseRequirementsExtra validates and parses requirements.extra.
func ParseRequirementsExtra(extra map[string]interface{}) (*RequirementsExtra, error) {
	if extra == nil {
		return nil, fmt.Errorf("requirements extra is missing")
	}

	result, err := gojsonschema.Validate(extraSchemaLoader, gojsonschema.NewGoLoader(extra))
	if err != nil {
		return nil, fmt.Errorf("failed to validate requirements extra: %w", err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("invalid requirements extra: %s", result.Errors()[0].String())
	}

	data, err := json.Marshal(extra)
	if err != nil {
		return nil, err
	}
	parsed := &RequirementsExtra{}
	if err := json.Unmarshal(data, parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

// EffectiveRequestHash returns the request hash receipts must carry: the
// configured hash, or the zero hash when unset.
func (e *RequirementsExtra) EffectiveRequestHash() string {
	if e.RequestHash == "" {
		return ZeroHash
	}
	return e.RequestHash
}
