// Package http provides the protocol's HTTP surfaces: the gin middleware
// for resource servers, the gin facilitator server, and a typed facilitator
// client.
package http

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	x402 "github.com/fluxa-network/x402/go"
	"github.com/fluxa-network/x402/go/encoding"
)

// Wire header names. All payment-bearing values are base64url-no-pad JSON.
const (
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"
	HeaderSignatureAgent   = "Signature-Agent"
	HeaderSignatureInput   = "Signature-Input"
	HeaderSignature        = "Signature"
	webBotAuthExtensionKey = "web-bot-auth"
)

// MiddlewareOptions configures PaymentMiddleware.
type MiddlewareOptions struct {
	// Description and MimeType annotate the resource in the 402 offer.
	Description string
	MimeType    string

	// ResourceRootURL prefixes the request path to form the resource URL
	// when set (e.g. "https://api.example.com").
	ResourceRootURL string

	Logger *slog.Logger
}

// MiddlewareOption configures the middleware.
type MiddlewareOption func(*MiddlewareOptions)

// WithDescription sets the resource description in the 402 offer.
func WithDescription(description string) MiddlewareOption {
	return func(o *MiddlewareOptions) { o.Description = description }
}

// WithMimeType sets the resource mime type in the 402 offer.
func WithMimeType(mimeType string) MiddlewareOption {
	return func(o *MiddlewareOptions) { o.MimeType = mimeType }
}

// WithResourceRootURL sets the public base URL of the protected resources.
func WithResourceRootURL(rootURL string) MiddlewareOption {
	return func(o *MiddlewareOptions) { o.ResourceRootURL = rootURL }
}

// WithLogger sets the middleware logger.
func WithLogger(logger *slog.Logger) MiddlewareOption {
	return func(o *MiddlewareOptions) { o.Logger = logger }
}

// PaymentMiddleware protects a route with the given payment configurations.
// Unpaid requests get a 402 carrying the PAYMENT-REQUIRED offer; paid
// requests are verified, served, settled, and confirmed via the
// PAYMENT-RESPONSE header.
func PaymentMiddleware(server *x402.X402ResourceServer, configs []x402.ResourceConfig, opts ...MiddlewareOption) gin.HandlerFunc {
	options := &MiddlewareOptions{Logger: slog.Default()}
	for _, opt := range opts {
		opt(options)
	}

	return func(c *gin.Context) {
		resource := x402.ResourceInfo{
			URL:         options.ResourceRootURL + c.Request.URL.Path,
			Description: options.Description,
			MimeType:    options.MimeType,
		}

		required, err := server.BuildPaymentRequired(c.Request.Context(), resource, configs...)
		if err != nil {
			options.Logger.Error("failed to build payment offer", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		rawHeader := c.GetHeader(HeaderPaymentSignature)
		if rawHeader == "" {
			abortPaymentRequired(c, required, "payment required")
			return
		}
		if len(rawHeader) > encoding.MaxHeaderBytes {
			c.AbortWithStatusJSON(http.StatusRequestHeaderFieldsTooLarge, gin.H{
				"error": "payment header exceeds size limit",
			})
			return
		}

		payload, err := encoding.DecodePaymentPayload(rawHeader)
		if err != nil {
			abortPaymentRequired(c, required, "malformed payment header")
			return
		}
		augmentWebBotAuth(c, &payload, rawHeader)

		requirements, err := server.FindAcceptedRequirements(payload, required.Accepts)
		if err != nil {
			abortPaymentRequired(c, required, "payment does not match any offered requirements")
			return
		}

		verifyResp, err := server.VerifyPayment(c.Request.Context(), payload, requirements)
		if err != nil {
			options.Logger.Error("payment verification failed", "error", err)
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		if !verifyResp.IsValid {
			abortPaymentRequired(c, required, verifyResp.InvalidReason)
			return
		}

		// Capture the handler's response so the settlement confirmation
		// header can still be set afterwards.
		capture := &captureWriter{ResponseWriter: c.Writer, statusCode: http.StatusOK}
		c.Writer = capture

		c.Next()

		c.Writer = capture.ResponseWriter
		if c.IsAborted() {
			capture.flush(c)
			return
		}

		settleResp, err := server.SettlePayment(c.Request.Context(), payload, requirements)
		if err != nil || !settleResp.Success {
			reason := "settlement failed"
			if err == nil {
				reason = settleResp.ErrorReason
			} else {
				options.Logger.Error("payment settlement failed", "error", err)
			}
			abortPaymentRequired(c, required, reason)
			return
		}

		confirmation := server.BuildPaymentResponse(requirements, &settleResp)
		if header, err := encoding.EncodePaymentResponse(confirmation); err == nil {
			c.Header(HeaderPaymentResponse, header)
		}
		capture.flush(c)
	}
}

// augmentWebBotAuth copies the credit scheme's auxiliary headers and the
// exact received payment header bytes into the payload's extensions. The
// facilitator reads the material only from there.
func augmentWebBotAuth(c *gin.Context, payload *x402.PaymentPayload, rawHeader string) {
	agent := c.GetHeader(HeaderSignatureAgent)
	input := c.GetHeader(HeaderSignatureInput)
	signature := c.GetHeader(HeaderSignature)
	if agent == "" && input == "" && signature == "" {
		return
	}

	if payload.Extensions == nil {
		payload.Extensions = map[string]interface{}{}
	}
	// Raw headers never override an envelope already present in the payload.
	if _, exists := payload.Extensions[webBotAuthExtensionKey]; exists {
		return
	}
	payload.Extensions[webBotAuthExtensionKey] = map[string]interface{}{
		"signatureAgent":         agent,
		"signatureInput":         input,
		"signature":              signature,
		"paymentSignatureHeader": rawHeader,
	}
}

func abortPaymentRequired(c *gin.Context, required x402.PaymentRequired, reason string) {
	required.Error = reason
	if header, err := encoding.EncodePaymentRequired(required); err == nil {
		c.Header(HeaderPaymentRequired, header)
	}
	c.AbortWithStatusJSON(http.StatusPaymentRequired, required)
}

// captureWriter buffers the handler's response until settlement succeeds.
type captureWriter struct {
	gin.ResponseWriter
	body       strings.Builder
	statusCode int
	written    bool
}

func (w *captureWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
}

func (w *captureWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	w.body.Write(b)
	return len(b), nil
}

func (w *captureWriter) WriteString(s string) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.WriteString(s)
}

// flush replays the captured response onto the context's real writer.
func (w *captureWriter) flush(c *gin.Context) {
	c.Writer.WriteHeader(w.statusCode)
	c.Writer.Write([]byte(w.body.String())) //nolint:errcheck
}
