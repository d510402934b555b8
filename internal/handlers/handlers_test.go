package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Brownie44l1/classifier-api/internal/acquire"
	"github.com/Brownie44l1/classifier-api/internal/metrics"
	"github.com/Brownie44l1/classifier-api/internal/model"
	"github.com/Brownie44l1/classifier-api/internal/pixels"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakePredictor scores an image by its top-left blue sample.
type fakePredictor struct {
	err   error
	panic bool
	calls int
	mu    sync.Mutex
}

func (f *fakePredictor) Predict(buf *pixels.Buffer) (*model.Prediction, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.panic {
		panic("boom")
	}
	if f.err != nil {
		return nil, f.err
	}
	b, _, _ := buf.At(0, 0)
	p := float64(b) / 255
	return &model.Prediction{Predictions: []model.Probability{{Probability: float64(int(p*1e4+0.5)) / 1e4}}}, nil
}

func pngOf(t *testing.T, blue uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 6, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 20, B: blue, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func b64Of(t *testing.T, blue uint8) string {
	t.Helper()
	return encodeStd(pngOf(t, blue))
}

func encodeStd(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func newTestRouter(p Predictor) (*gin.Engine, *metrics.Metrics) {
	m := metrics.New()
	logger := zap.NewNop().Sugar()
	fetcher := acquire.NewFetcher(nil, 2*time.Second, acquire.Limits{MaxBytes: 1 << 20})
	h := NewHandler(p, fetcher, logger, m, Options{MaxBodyBytes: 1 << 20, Image: acquire.Limits{MaxBytes: 1 << 20, MaxPixels: 1 << 16}})
	return NewRouter(h, m, logger), m
}

type result struct {
	status int
	body   Response
	raw    map[string]any
}

func post(t *testing.T, r http.Handler, body string) result {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, ClassifyPath, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var res result
	res.status = rec.Code
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res.body), rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res.raw))
	return res
}

func TestClassifyBadRequest(t *testing.T) {
	p := &fakePredictor{}
	r, _ := newTestRouter(p)

	valid := b64Of(t, 200)
	bodies := []string{
		`{}`, ``, `null`, `not json`, `{"image": "abc"}`, `[1,2]`, `{"img": 5}`, `{"url": ["a"]}`,
		`{"img": null}`, `{"img": null, "url": null}`,
		`{"IMG": "` + valid + `"}`, `{"Img": "` + valid + `"}`,
		`{"Url": "http://127.0.0.1:1/cat.png"}`, `{"URL": "http://127.0.0.1:1/cat.png"}`,
	}
	for _, body := range bodies {
		res := post(t, r, body)
		assert.Equal(t, http.StatusBadRequest, res.status, body)
		assert.Equal(t, MessageBadRequest, res.body.Message, body)
		assert.NotEmpty(t, res.body.TransactionID, body)
	}
	assert.Zero(t, p.calls)
}

func TestClassifyInvalidBase64(t *testing.T) {
	p := &fakePredictor{}
	r, m := newTestRouter(p)

	for _, img := range []string{"%%%not-base64%%%", "", encodeStd([]byte("plain text"))} {
		res := post(t, r, `{"img": "`+img+`"}`)
		assert.Equal(t, http.StatusBadRequest, res.status)
		assert.Equal(t, MessageBadBase64, res.body.Message)
		assert.Contains(t, res.raw, "transaction_id")
		assert.NotContains(t, res.raw, "data")
	}
	assert.Zero(t, p.calls)
	assert.Contains(t, scrape(t, m), `classifier_requests_total{outcome="invalid_image"} 3`)
}

func TestClassifyRejectsOversizedDimensions(t *testing.T) {
	p := &fakePredictor{}
	r, _ := newTestRouter(p)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 300, 300))))

	res := post(t, r, `{"img": "`+encodeStd(buf.Bytes())+`"}`)
	assert.Equal(t, http.StatusBadRequest, res.status)
	assert.Equal(t, MessageBadBase64, res.body.Message)
	assert.Zero(t, p.calls)
}

func TestClassifyNullImgFallsBackToURL(t *testing.T) {
	data := pngOf(t, 255)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	r, _ := newTestRouter(&fakePredictor{})
	res := post(t, r, `{"img": null, "url": "`+srv.URL+`/cat.png"}`)
	assert.Equal(t, http.StatusOK, res.status)
}

func TestClassifySuccess(t *testing.T) {
	r, _ := newTestRouter(&fakePredictor{})

	res := post(t, r, `{"img": "`+b64Of(t, 200)+`"}`)
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, MessageSuccess, res.body.Message)
	require.NotNil(t, res.body.Data)
	require.Len(t, res.body.Data.Predictions, 1)

	p := res.body.Data.Predictions[0].Probability
	assert.GreaterOrEqual(t, p, 0.0)
	assert.LessOrEqual(t, p, 1.0)
	assert.Equal(t, 0.7843, p)
	assertFourDecimals(t, p)
	assert.NotEmpty(t, res.body.TransactionID)
}

func TestClassifyWritesCertainScoreAsDecimal(t *testing.T) {
	r, _ := newTestRouter(&fakePredictor{})
	for blue, want := range map[uint8]string{255: `"probability":1.0`, 0: `"probability":0.0`} {
		req := httptest.NewRequest(http.MethodPost, ClassifyPath, strings.NewReader(`{"img": "`+b64Of(t, blue)+`"}`))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), want)
	}
}

func TestClassifyIdempotent(t *testing.T) {
	r, _ := newTestRouter(&fakePredictor{})
	body := `{"img": "` + b64Of(t, 77) + `"}`

	first := post(t, r, body)
	second := post(t, r, body)
	require.Equal(t, http.StatusOK, first.status)
	require.Equal(t, http.StatusOK, second.status)
	assert.Equal(t, first.body.Data, second.body.Data)
	assert.NotEqual(t, first.body.TransactionID, second.body.TransactionID)
}

func TestClassifyImgTakesPrecedence(t *testing.T) {
	r, _ := newTestRouter(&fakePredictor{})

	res := post(t, r, `{"img": "`+b64Of(t, 51)+`", "url": "http://127.0.0.1:1/x.png"}`)
	assert.Equal(t, http.StatusOK, res.status)
}

func TestClassifyURL(t *testing.T) {
	data := pngOf(t, 255)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cat.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	r, _ := newTestRouter(&fakePredictor{})

	res := post(t, r, `{"url": "`+srv.URL+`/cat.png"}`)
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, 1.0, res.body.Data.Predictions[0].Probability)

	res = post(t, r, `{"url": "`+srv.URL+`/dog.png"}`)
	assert.Equal(t, http.StatusBadRequest, res.status)
	assert.Contains(t, res.body.Message, "unable to decode")
}

func TestClassifyUnreachableURL(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	r, _ := newTestRouter(&fakePredictor{})
	res := post(t, r, `{"url": "`+addr+`/cat.jpg"}`)
	assert.Equal(t, http.StatusBadRequest, res.status)
	assert.Contains(t, res.body.Message, "unable to decode")
	assert.NotEmpty(t, res.body.TransactionID)
}

func TestClassifyInferenceError(t *testing.T) {
	r, m := newTestRouter(&fakePredictor{err: errors.New("classifier error: shape mismatch")})

	res := post(t, r, `{"img": "`+b64Of(t, 1)+`"}`)
	assert.Equal(t, http.StatusInternalServerError, res.status)
	assert.Equal(t, MessageServerError, res.body.Message)
	assert.NotEmpty(t, res.body.TransactionID)
	assert.NotContains(t, res.body.Message, "shape")
	assert.Contains(t, scrape(t, m), `classifier_requests_total{outcome="error"} 1`)
}

func TestClassifyPanicRecovered(t *testing.T) {
	r, _ := newTestRouter(&fakePredictor{panic: true})

	res := post(t, r, `{"img": "`+b64Of(t, 1)+`"}`)
	assert.Equal(t, http.StatusInternalServerError, res.status)
	assert.Equal(t, MessageServerError, res.body.Message)
	assert.NotEmpty(t, res.body.TransactionID)
}

func TestClassifyBodyTooLarge(t *testing.T) {
	m := metrics.New()
	logger := zap.NewNop().Sugar()
	h := NewHandler(&fakePredictor{}, acquire.NewFetcher(nil, 0, acquire.Limits{}), logger, m, Options{MaxBodyBytes: 16})
	r := NewRouter(h, m, logger)

	res := post(t, r, `{"img": "`+strings.Repeat("A", 64)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, res.status)
	assert.Equal(t, MessageTooLarge, res.body.Message)
}

func TestClassifyConcurrent(t *testing.T) {
	r, _ := newTestRouter(&fakePredictor{})

	const n = 20
	bodies := make([]string, n)
	for i := range bodies {
		bodies[i] = `{"img": "` + b64Of(t, uint8(i*10)) + `"}`
	}

	results := make([]result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, ClassifyPath, strings.NewReader(bodies[i]))
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			results[i].status = rec.Code
			_ = json.Unmarshal(rec.Body.Bytes(), &results[i].body)
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i, res := range results {
		require.Equal(t, http.StatusOK, res.status)
		want := float64(int(float64(uint8(i*10))/255*1e4+0.5)) / 1e4
		assert.Equal(t, want, res.body.Data.Predictions[0].Probability, "request %d", i)
		assert.False(t, seen[res.body.TransactionID], "duplicate transaction id")
		seen[res.body.TransactionID] = true
	}
}

func TestHealthAndCORS(t *testing.T) {
	r, _ := newTestRouter(&fakePredictor{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "healthy"}`, rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, ClassifyPath, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func assertFourDecimals(t *testing.T, v float64) {
	t.Helper()
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		assert.LessOrEqual(t, len(s)-i-1, 4, s)
	}
}
