package x402

import "fmt"

// PaymentError is a structural error surfaced over HTTP 4xx/5xx. Semantic
// verification and settlement failures never use it; they travel as
// InvalidReason / ErrorReason strings in 200 bodies.
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewPaymentError creates a new payment error.
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{Code: code, Message: message, Details: details}
}

// Scheme and network routing reasons.
const (
	ReasonUnsupportedScheme = "unsupported_scheme"
	ReasonNetworkMismatch   = "network_mismatch"
)

// Structural payload reasons.
const (
	ReasonInvalidOdpPayloadMissingReceipt = "invalid_odp_payload_missing_receipt"
	ReasonMissingReceiptSignature         = "missing_receipt_signature"
	ReasonMissingSessionSignature         = "missing_session_signature"
	ReasonInvalidRequirementsExtra        = "invalid_requirements_extra"
)

// Session binding reasons.
const (
	ReasonSessionIDMismatch           = "session_id_mismatch"
	ReasonSessionApprovalMismatch     = "session_approval_mismatch"
	ReasonMissingSessionApproval      = "missing_session_approval"
	ReasonRequirementsSessionMismatch = "requirements_session_mismatch"
)

// Chain parity reasons.
const (
	ReasonSettlementContractMismatch        = "settlement_contract_mismatch"
	ReasonDebitWalletMismatch               = "debit_wallet_mismatch"
	ReasonWithdrawDelayMismatch             = "withdraw_delay_mismatch"
	ReasonDebitWalletWithdrawDelayMismatch  = "debit_wallet_withdraw_delay_mismatch"
)

// Signature reasons.
const (
	ReasonInvalidSessionSignature           = "invalid_session_signature"
	ReasonInvalidReceiptSignature           = "invalid_receipt_signature"
	ReasonAuthorizedProcessorsHashMismatch  = "authorized_processors_hash_mismatch"
	ReasonUnauthorizedProcessor             = "unauthorized_processor"
)

// Receipt reasons.
const (
	ReasonReceiptNonceMismatch    = "receipt_nonce_mismatch"
	ReasonReceiptAmountMismatch   = "receipt_amount_mismatch"
	ReasonReceiptAmountExceedsMax = "receipt_amount_exceeds_max"
	ReasonReceiptDeadlineInvalid  = "receipt_deadline_invalid"
	ReasonRequestHashMismatch     = "request_hash_mismatch"
	ReasonSessionExpired          = "session_expired"
)

// Spend and liquidity reasons.
const (
	ReasonSessionMaxSpendExceeded         = "session_max_spend_exceeded"
	ReasonInsufficientDebitWalletBalance  = "insufficient_debit_wallet_balance"
)

// Settlement reasons.
const (
	ReasonSessionNotFound             = "session_not_found"
	ReasonSettlementInProgress        = "settlement_in_progress"
	ReasonNoReceipts                  = "no_receipts"
	ReasonReceiptNonceGap             = "receipt_nonce_gap"
	ReasonSettlementTransactionFailed = "settlement_transaction_failed"
)

// Web-Bot-Auth reasons.
const (
	ReasonInvalidWebBotAuth                = "invalid_web_bot_auth"
	ReasonMissingComponentPaymentSignature = "missing_component_payment-signature"
	ReasonMissingComponentSignatureAgent   = "missing_component_signature-agent"
	ReasonMissingComponentAuthority        = "missing_component_@authority"
	ReasonLabelMismatch                    = "label_mismatch"
	ReasonWindowTooLong                    = "window_too_long"
	ReasonExpiredOrNotYetValid             = "expired_or_not_yet_valid"
	ReasonKeyNotFound                      = "key_not_found"
	ReasonSignatureVerifyFailed            = "signature_verify_failed"
)
