// handlers.go - HTTP Handler fuer Upscale, Inpaint und Layer-Tabelle
// Enthaelt: UpscaleHandler(), InpaintHandler(), LayersHandler()

package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/srflow/srflow/ml"
	"github.com/srflow/srflow/model/models/srflow"
	"github.com/srflow/srflow/vision"
)

// LayersResponse ist die Antwort von GET /api/layers
type LayersResponse struct {
	Scale  int                `json:"scale"`
	Params int                `json:"params"`
	Layers []srflow.LayerInfo `json:"layers"`
}

// ============================================================================
// Hilfsfunktionen
// ============================================================================

// formImage liest und dekodiert das Bild aus dem Formularfeld name
func formImage(c *gin.Context, name string) (*vision.ImageInput, error) {
	fh, err := c.FormFile(name)
	if err != nil {
		return nil, fmt.Errorf("%s is required", name)
	}
	return openImage(fh)
}

func openImage(fh *multipart.FileHeader) (*vision.ImageInput, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := vision.DecodeImage(f)
	if err != nil {
		return nil, err
	}
	return vision.Composite(img), nil
}

// writePNG sendet Sample 0 von t als PNG
func writePNG(c *gin.Context, t ml.Tensor, r vision.Range) {
	img, err := vision.FromTensor(t, 0, r)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var buf bytes.Buffer
	if err := vision.EncodePNG(&buf, img); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, vision.FormatPNG.MimeType(), buf.Bytes())
}

func statusFor(err error) int {
	if errors.Is(err, errModelNotLoaded) {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}

// ============================================================================
// POST /api/upscale
// ============================================================================

// UpscaleHandler sampled ein SR-Bild zum hochgeladenen LR-Bild (Feld image).
// Optional: eps_std (Temperatur).
func (s *Server) UpscaleHandler(c *gin.Context) {
	if s.flow == nil {
		c.AbortWithStatusJSON(statusFor(errModelNotLoaded), gin.H{"error": errModelNotLoaded.Error()})
		return
	}

	epsStd := s.defaultEpsStd
	if v := c.PostForm("eps_std"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid eps_std %q", v)})
			return
		}
		epsStd = f
	}

	img, err := formImage(c, "image")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := s.flow.Flow.Options()
	w, h := opts.ImageShape[1]/opts.Scale, opts.ImageShape[0]/opts.Scale
	if img.Width != w || img.Height != h {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("image must be %dx%d, got %dx%d", w, h, img.Width, img.Height)})
		return
	}

	ctx := s.backend.NewContext()
	defer ctx.Close()

	lr, err := vision.ToTensor(ctx, vision.Range01, img)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	start := time.Now()
	sr, err := s.flow.Sample(ctx.NoGrad(), lr, epsStd)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	slog.Info("upscale", "width", w, "height", h, "eps_std", epsStd, "duration", time.Since(start))

	writePNG(c, sr, vision.Range01)
}

// ============================================================================
// POST /api/inpaint
// ============================================================================

// InpaintHandler fuellt die dunklen Bereiche von mask im Bild image. Bekannte
// Pixel werden unveraendert uebernommen.
func (s *Server) InpaintHandler(c *gin.Context) {
	if s.inpaint == nil {
		c.AbortWithStatusJSON(statusFor(errModelNotLoaded), gin.H{"error": errModelNotLoaded.Error()})
		return
	}

	img, err := formImage(c, "image")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	maskImg, err := formImage(c, "mask")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if img.Width != maskImg.Width || img.Height != maskImg.Height {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("mask %dx%d does not match image %dx%d", maskImg.Width, maskImg.Height, img.Width, img.Height)})
		return
	}

	ctx := s.backend.NewContext().NoGrad()
	defer ctx.Close()

	x, err := vision.ToTensor(ctx, vision.RangeZNorm, img)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mask := vision.MaskTensor(ctx, maskImg)

	start := time.Now()
	out, err := s.inpaint.Forward(ctx, x.Mul(ctx, mask), mask)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	slog.Info("inpaint", "width", img.Width, "height", img.Height, "duration", time.Since(start))

	// Loecher aus der Vorhersage, Rest aus dem Eingangsbild
	out = x.Mul(ctx, mask).Add(ctx, out.Mul(ctx, mask.Scale(ctx, -1).AddScalar(ctx, 1)))
	writePNG(c, out, vision.RangeZNorm)
}

// ============================================================================
// GET /api/layers
// ============================================================================

// LayersHandler listet die Layer des Flow-Upsamplers
func (s *Server) LayersHandler(c *gin.Context) {
	if s.flow == nil {
		c.AbortWithStatusJSON(statusFor(errModelNotLoaded), gin.H{"error": errModelNotLoaded.Error()})
		return
	}

	c.JSON(http.StatusOK, LayersResponse{
		Scale:  s.flow.Flow.Options().Scale,
		Params: s.flow.NumParams(),
		Layers: s.flow.Flow.Info(),
	})
}
