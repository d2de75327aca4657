package server

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"

	"github.com/srflow/srflow/ml"
	_ "github.com/srflow/srflow/ml/backend/cpu"
	"github.com/srflow/srflow/model/models/pconv"
	"github.com/srflow/srflow/model/models/srflow"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, withInpaint bool) *Server {
	t.Helper()
	b, err := ml.NewBackend("cpu", ml.BackendParams{NumThreads: 2, Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(b.Close)

	ctx := b.NewContext()
	t.Cleanup(ctx.Close)

	opts := srflow.DefaultOptions()
	opts.ImageShape = [3]int{16, 16, 3}
	opts.BaseHeight = 0
	opts.L = 2
	opts.K = []int{1}
	opts.HiddenChannels = 4
	opts.FeatureWidth = 4
	opts.StackBlocks = []int{0, 1}
	opts.RRDBBlocks = 2
	opts.GrowthChannels = 4

	flow, err := srflow.NewModel(ctx, opts)
	if err != nil {
		t.Fatal(err)
	}

	var inpaint *pconv.Model
	if withInpaint {
		inpaint, err = pconv.New(ctx, pconv.Options{InChannels: 3, Widths: [4]int{2, 2, 2, 2}})
		if err != nil {
			t.Fatal(err)
		}
		inpaint.SetTraining(false)
	}
	return New(nil, b, flow, inpaint)
}

func pngBytes(t *testing.T, w, h int, fill func(x, y int) color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetRGBA(x, y, fill(x, y))
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func gray(v uint8) func(x, y int) color.RGBA {
	return func(int, int) color.RGBA { return color.RGBA{v, v, v, 255} }
}

// multipartRequest baut einen POST mit Dateien und Feldern
func multipartRequest(t *testing.T, path string, files map[string][]byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for name, data := range files {
		fw, err := w.CreateFormFile(name, name+".png")
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(data)
	}
	for k, v := range fields {
		w.WriteField(k, v)
	}
	w.Close()

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.GenerateRoutes().ServeHTTP(rec, req)
	return rec
}

func decodePNG(t *testing.T, rec *httptest.ResponseRecorder) image.Image {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("Content-Type = %q, erwartet image/png", ct)
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func TestRoot(t *testing.T) {
	rec := serve(newTestServer(t, false), httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "srflow is running" {
		t.Errorf("GET / = %d %q", rec.Code, rec.Body.String())
	}
}

func TestLayers(t *testing.T) {
	s := newTestServer(t, false)
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/layers", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Status %d: %s", rec.Code, rec.Body.String())
	}

	var resp LayersResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Scale != 4 || resp.Params != s.flow.NumParams() {
		t.Errorf("Antwort falsch: scale %d, params %d", resp.Scale, resp.Params)
	}
	if diff := cmp.Diff(s.flow.Flow.Info(), resp.Layers); diff != "" {
		t.Errorf("Layer falsch (-want +got):\n%s", diff)
	}
}

func TestUpscale(t *testing.T) {
	s := newTestServer(t, false)

	req := multipartRequest(t, "/api/upscale", map[string][]byte{"image": pngBytes(t, 4, 4, gray(120))}, map[string]string{"eps_std": "0"})
	rec := serve(s, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Status %d: %s", rec.Code, rec.Body.String())
	}

	if b := decodePNG(t, rec).Bounds(); b.Dx() != 16 || b.Dy() != 16 {
		t.Errorf("Groesse %dx%d, erwartet 16x16", b.Dx(), b.Dy())
	}
}

func TestUpscaleErrors(t *testing.T) {
	s := newTestServer(t, false)

	cases := []struct {
		name   string
		req    *http.Request
		status int
	}{
		{"ohne Bild", multipartRequest(t, "/api/upscale", nil, nil), http.StatusBadRequest},
		{"falsche Groesse", multipartRequest(t, "/api/upscale", map[string][]byte{"image": pngBytes(t, 8, 8, gray(1))}, nil), http.StatusBadRequest},
		{"kein Bild", multipartRequest(t, "/api/upscale", map[string][]byte{"image": []byte("kein png")}, nil), http.StatusBadRequest},
		{"eps_std", multipartRequest(t, "/api/upscale", map[string][]byte{"image": pngBytes(t, 4, 4, gray(1))}, map[string]string{"eps_std": "heiss"}), http.StatusBadRequest},
		{"falsche Methode", httptest.NewRequest(http.MethodGet, "/api/upscale", nil), http.StatusMethodNotAllowed},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if rec := serve(s, tt.req); rec.Code != tt.status {
				t.Errorf("Status %d, erwartet %d: %s", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
}

func TestInpaint(t *testing.T) {
	s := newTestServer(t, true)

	img := pngBytes(t, 256, 256, func(x, y int) color.RGBA { return color.RGBA{uint8(x), uint8(y), 90, 255} })
	// Loch in der Mitte
	mask := pngBytes(t, 256, 256, func(x, y int) color.RGBA {
		if x >= 96 && x < 160 && y >= 96 && y < 160 {
			return color.RGBA{0, 0, 0, 255}
		}
		return color.RGBA{255, 255, 255, 255}
	})

	rec := serve(s, multipartRequest(t, "/api/inpaint", map[string][]byte{"image": img, "mask": mask}, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Status %d: %s", rec.Code, rec.Body.String())
	}

	out := decodePNG(t, rec)
	if b := out.Bounds(); b.Dx() != 256 || b.Dy() != 256 {
		t.Fatalf("Groesse %dx%d, erwartet 256x256", b.Dx(), b.Dy())
	}

	// bekannte Pixel bleiben erhalten
	r, g, b, _ := out.At(10, 200).RGBA()
	if diff := cmp.Diff([]uint32{10, 200, 90}, []uint32{r >> 8, g >> 8, b >> 8}); diff != "" {
		t.Errorf("bekanntes Pixel veraendert (-want +got):\n%s", diff)
	}
}

func TestInpaintErrors(t *testing.T) {
	img := pngBytes(t, 256, 256, gray(50))

	rec := serve(newTestServer(t, false), multipartRequest(t, "/api/inpaint", map[string][]byte{"image": img, "mask": img}, nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ohne Modell: Status %d, erwartet 503", rec.Code)
	}

	s := newTestServer(t, true)
	rec = serve(s, multipartRequest(t, "/api/inpaint", map[string][]byte{"image": img, "mask": pngBytes(t, 128, 128, gray(255))}, nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Maskengroesse: Status %d, erwartet 400", rec.Code)
	}

	rec = serve(s, multipartRequest(t, "/api/inpaint", map[string][]byte{"image": img}, nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("ohne Maske: Status %d, erwartet 400", rec.Code)
	}
}

func TestAllowedHost(t *testing.T) {
	cases := map[string]bool{
		"":              true,
		"localhost":     true,
		"box.local":     true,
		"api.internal":  true,
		"example.com":   false,
		"localhost.com": false,
	}
	for host, want := range cases {
		if got := allowedHost(host); got != want {
			t.Errorf("allowedHost(%q) = %v, erwartet %v", host, got, want)
		}
	}
}
