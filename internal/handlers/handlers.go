package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/classifier-api/internal/acquire"
	"github.com/Brownie44l1/classifier-api/internal/metrics"
	"github.com/Brownie44l1/classifier-api/internal/model"
	"github.com/Brownie44l1/classifier-api/internal/pixels"
)

const (
	MessageSuccess     = "Success!"
	MessageBadRequest  = "bad request"
	MessageBadBase64   = "unable to decode base64 (image)."
	MessageBadURL      = "unable to decode image from url."
	MessageTooLarge    = "request body too large"
	MessageServerError = "internal server error"

	transactionKey = "transaction_id"
)

// Predictor is the inference engine as seen by the handler.
type Predictor interface {
	Predict(buf *pixels.Buffer) (*model.Prediction, error)
}

// Fetcher downloads an image from a remote URL.
type Fetcher interface {
	FromURL(ctx context.Context, url string) (*pixels.Buffer, error)
}

// ClassifyRequest carries exactly one image source. A field that is present
// in the JSON body is non-nil even when empty; keys match exactly.
type ClassifyRequest struct {
	Img *string `json:"img"`
	URL *string `json:"url"`
}

type Response struct {
	Message       string            `json:"message"`
	Data          *model.Prediction `json:"data,omitempty"`
	TransactionID string            `json:"transaction_id"`
}

type Options struct {
	MaxBodyBytes int64
	// Image bounds inline payloads; URL fetches are bounded by the Fetcher.
	Image acquire.Limits
}

type Handler struct {
	predictor Predictor
	fetcher   Fetcher
	logger    *zap.SugaredLogger
	metrics   *metrics.Metrics
	opts      Options
}

func NewHandler(predictor Predictor, fetcher Fetcher, logger *zap.SugaredLogger, m *metrics.Metrics, opts Options) *Handler {
	return &Handler{
		predictor: predictor,
		fetcher:   fetcher,
		logger:    logger,
		metrics:   m,
		opts:      opts,
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// ClassifyImage handles POST /api/v1/classify_image.
func (h *Handler) ClassifyImage(c *gin.Context) {
	transactionID := newTransactionID()
	c.Set(transactionKey, transactionID)
	c.Header("X-Transaction-ID", transactionID)
	log := h.logger.With("transaction_id", transactionID)
	log.Info("***** transaction received")

	req, status, err := h.parse(c)
	if err != nil {
		log.Warnw("bad request", "error", err)
		h.reply(c, status, metrics.OutcomeBadRequest, Response{Message: messageFor(status), TransactionID: transactionID})
		return
	}

	var (
		buf     *pixels.Buffer
		failMsg string
	)
	if req.Img != nil {
		log.Info("source: base64")
		buf, err = acquire.FromBase64(*req.Img, h.opts.Image)
		failMsg = MessageBadBase64
	} else {
		log.Infow("source: url", "url", *req.URL)
		buf, err = h.fetcher.FromURL(c.Request.Context(), *req.URL)
		failMsg = MessageBadURL
	}
	if err != nil {
		log.Warnw(failMsg, "error", err)
		h.reply(c, http.StatusBadRequest, metrics.OutcomeInvalid, Response{Message: failMsg, TransactionID: transactionID})
		return
	}
	log.Debugw("image acquired", "width", buf.Width, "height", buf.Height)

	start := time.Now()
	prediction, err := h.predictor.Predict(buf)
	h.metrics.ObserveInference(time.Since(start))
	if err != nil {
		log.Errorw("prediction failed", "error", err)
		h.reply(c, http.StatusInternalServerError, metrics.OutcomeError, Response{Message: MessageServerError, TransactionID: transactionID})
		return
	}

	resp := Response{Message: MessageSuccess, Data: prediction, TransactionID: transactionID}
	log.Infow("prediction done", "probability", prediction.Positive(), "took", time.Since(start))
	h.reply(c, http.StatusOK, metrics.OutcomeSuccess, resp)
	log.Info("***** DONE!")
}

func (h *Handler) parse(c *gin.Context) (*ClassifyRequest, int, error) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, http.StatusRequestEntityTooLarge, err
		}
		return nil, http.StatusBadRequest, err
	}

	// keys are matched case-sensitively
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, http.StatusBadRequest, err
	}
	var req ClassifyRequest
	if req.Img, err = stringField(fields, "img"); err != nil {
		return nil, http.StatusBadRequest, err
	}
	if req.URL, err = stringField(fields, "url"); err != nil {
		return nil, http.StatusBadRequest, err
	}
	if req.Img == nil && req.URL == nil {
		return nil, http.StatusBadRequest, errors.New("neither img nor url present")
	}
	return &req, http.StatusOK, nil
}

// stringField returns nil when key is absent or null, and an error when the
// value is not a JSON string.
func stringField(fields map[string]json.RawMessage, key string) (*string, error) {
	raw, ok := fields[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("field %q: %w", key, err)
	}
	return &s, nil
}

func (h *Handler) reply(c *gin.Context, status int, outcome string, resp Response) {
	h.metrics.ObserveRequest(outcome)
	c.JSON(status, resp)
}

func messageFor(status int) string {
	if status == http.StatusRequestEntityTooLarge {
		return MessageTooLarge
	}
	return MessageBadRequest
}

func newTransactionID() string {
	id, err := uuid.NewUUID()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
