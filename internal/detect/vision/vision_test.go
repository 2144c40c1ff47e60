package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/imagelabeler/internal/config"
	"github.com/jo-hoe/imagelabeler/internal/detect"
)

const sampleResponse = `{
  "responses": [{
    "labelAnnotations": [
      {"mid": "/m/01", "description": "Sky", "score": 0.97, "topicality": 0.97},
      {"mid": "/m/02", "description": "Cloud", "score": 0.91}
    ],
    "imagePropertiesAnnotation": {"dominantColors": {"colors": [
      {"color": {"red": 120, "green": 160, "blue": 220}, "score": 0.6, "pixelFraction": 0.4},
      {"score": 0.1, "pixelFraction": 0.05},
      {"color": {"red": 250}, "score": 0.2, "pixelFraction": 0.1}
    ]}},
    "safeSearchAnnotation": {"adult": "VERY_UNLIKELY", "spoof": "UNLIKELY", "medical": "POSSIBLE", "violence": "LIKELY", "racy": "VERY_LIKELY"}
  }]
}`

func TestDetect_SendsFeaturesAndParsesResponse(t *testing.T) {
	var gotReq annotateRequest
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/images:annotate", r.URL.Path)
		gotKey = r.URL.Query().Get("key")
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &gotReq))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sampleResponse))
	}))
	defer srv.Close()

	c := New(config.VisionSettings{BaseURL: srv.URL + "/", APIKey: "k1", MaxLabels: 15, MaxColors: 10})
	ann, err := c.Detect(context.Background(), []byte("imagebytes"))
	require.NoError(t, err)

	assert.Equal(t, "k1", gotKey)
	require.Len(t, gotReq.Requests, 1)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("imagebytes")), gotReq.Requests[0].Image.Content)
	require.Len(t, gotReq.Requests[0].Features, 3)
	assert.Equal(t, feature{Type: detect.FeatureLabelDetection, MaxResults: 15}, gotReq.Requests[0].Features[0])
	assert.Equal(t, feature{Type: detect.FeatureImageProperties, MaxResults: 10}, gotReq.Requests[0].Features[1])
	assert.Equal(t, feature{Type: detect.FeatureSafeSearchDetection}, gotReq.Requests[0].Features[2])

	assert.Equal(t, []detect.Label{{Description: "Sky", Score: 0.97}, {Description: "Cloud", Score: 0.91}}, ann.Labels)
	require.Len(t, ann.Colors, 2, "colors without a color value are skipped")
	assert.Equal(t, detect.Color{Red: 120, Green: 160, Blue: 220, Score: 0.6, PixelFraction: 0.4}, ann.Colors[0])
	assert.Equal(t, detect.Color{Red: 250, Score: 0.2, PixelFraction: 0.1}, ann.Colors[1])
	require.NotNil(t, ann.SafeSearch)
	assert.Equal(t, detect.SafeSearch{Adult: "VERY_UNLIKELY", Spoof: "UNLIKELY", Medical: "POSSIBLE", Violence: "LIKELY", Racy: "VERY_LIKELY"}, *ann.SafeSearch)
}

func TestDetect_EmptyResponseHasNoSafeSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"responses":[{}]}`))
	}))
	defer srv.Close()

	ann, err := New(config.VisionSettings{BaseURL: srv.URL, APIKey: "k"}).Detect(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Empty(t, ann.Labels)
	assert.Empty(t, ann.Colors)
	assert.Nil(t, ann.SafeSearch)
}

func TestDetect_Errors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"http status", http.StatusForbidden, `{"error":{"message":"denied"}}`, detect.ErrProviderUnavailable},
		{"per-image error", http.StatusOK, `{"responses":[{"error":{"code":3,"message":"bad image data"}}]}`, detect.ErrProviderUnavailable},
		{"malformed json", http.StatusOK, `{"responses":`, detect.ErrInvalidResponse},
		{"no responses", http.StatusOK, `{"responses":[]}`, detect.ErrInvalidResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := New(config.VisionSettings{BaseURL: srv.URL, APIKey: "k"}).Detect(context.Background(), []byte("x"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestDetect_EmptyImage(t *testing.T) {
	_, err := New(config.VisionSettings{BaseURL: "http://127.0.0.1:1", APIKey: "k"}).Detect(context.Background(), nil)
	assert.Error(t, err)
}

func TestDetect_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(config.VisionSettings{BaseURL: srv.URL, APIKey: "k"}).Detect(ctx, []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
