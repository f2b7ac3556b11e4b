package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DiffusionClient talks to a Stable Diffusion WebUI compatible API
// (/sdapi/v1/*). It is the heavy resource behind the image backends.
type DiffusionClient struct {
	BaseURL string
	Client  *http.Client
}

func NewDiffusionClient(baseURL string, timeout time.Duration) *DiffusionClient {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &DiffusionClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

type Txt2ImgParams struct {
	Prompt         string
	NegativePrompt string
	Seed           *int64
	Steps          int
	Width          int
	Height         int
	Style          string
}

type Img2ImgParams struct {
	Txt2ImgParams
	Init     []byte
	Strength float64
	CFGScale float64
}

type sdGenerateReq struct {
	Prompt            string   `json:"prompt"`
	NegativePrompt    string   `json:"negative_prompt,omitempty"`
	Seed              int64    `json:"seed"`
	Steps             int      `json:"steps"`
	Width             int      `json:"width"`
	Height            int      `json:"height"`
	Styles            []string `json:"styles,omitempty"`
	InitImages        []string `json:"init_images,omitempty"`
	DenoisingStrength float64  `json:"denoising_strength,omitempty"`
	CFGScale          float64  `json:"cfg_scale,omitempty"`
}

type sdImagesResp struct {
	Images []string `json:"images"`
	Error  string   `json:"error,omitempty"`
	Detail string   `json:"detail,omitempty"`
}

type sdExtraReq struct {
	Image           string  `json:"image"`
	UpscalingResize float64 `json:"upscaling_resize"`
	Upscaler1       string  `json:"upscaler_1"`
}

type sdExtraResp struct {
	Image  string `json:"image"`
	Error  string `json:"error,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func (c *DiffusionClient) Txt2Img(ctx context.Context, p Txt2ImgParams) ([]byte, error) {
	var out sdImagesResp
	if err := c.post(ctx, "/sdapi/v1/txt2img", toGenerateReq(p), &out); err != nil {
		return nil, err
	}
	return firstImage(out)
}

func (c *DiffusionClient) Img2Img(ctx context.Context, p Img2ImgParams) ([]byte, error) {
	if len(p.Init) == 0 {
		return nil, errors.New("diffusion: init image is required")
	}
	req := toGenerateReq(p.Txt2ImgParams)
	req.InitImages = []string{base64.StdEncoding.EncodeToString(p.Init)}
	req.DenoisingStrength = p.Strength
	req.CFGScale = p.CFGScale

	var out sdImagesResp
	if err := c.post(ctx, "/sdapi/v1/img2img", req, &out); err != nil {
		return nil, err
	}
	return firstImage(out)
}

// Upscale runs the extras pipeline with the named upscaler model.
func (c *DiffusionClient) Upscale(ctx context.Context, image []byte, factor float64, upscaler string) ([]byte, error) {
	if len(image) == 0 {
		return nil, errors.New("diffusion: image is required")
	}
	req := sdExtraReq{
		Image:           base64.StdEncoding.EncodeToString(image),
		UpscalingResize: factor,
		Upscaler1:       upscaler,
	}
	var out sdExtraResp
	if err := c.post(ctx, "/sdapi/v1/extra-single-image", req, &out); err != nil {
		return nil, err
	}
	if msg := firstNonEmpty(out.Error, out.Detail); msg != "" {
		return nil, errors.New("diffusion: " + msg)
	}
	if out.Image == "" {
		return nil, errors.New("diffusion: empty response")
	}
	return decodeImage(out.Image)
}

// Ping checks that the API answers; used when probing backend resources.
func (c *DiffusionClient) Ping(ctx context.Context) error {
	if c.Client == nil {
		return errors.New("diffusion: http client is nil")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/sdapi/v1/sd-models", nil)
	if err != nil {
		return err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("diffusion: status %d", resp.StatusCode)
	}
	return nil
}

func (c *DiffusionClient) post(ctx context.Context, path string, body any, out any) error {
	if c.Client == nil {
		return errors.New("diffusion: http client is nil")
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		text := strings.TrimSpace(string(msg))
		if text == "" {
			text = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return fmt.Errorf("diffusion: %s", text)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func toGenerateReq(p Txt2ImgParams) sdGenerateReq {
	seed := int64(-1)
	if p.Seed != nil {
		seed = *p.Seed
	}
	req := sdGenerateReq{
		Prompt:         p.Prompt,
		NegativePrompt: p.NegativePrompt,
		Seed:           seed,
		Steps:          p.Steps,
		Width:          p.Width,
		Height:         p.Height,
	}
	if s := strings.TrimSpace(p.Style); s != "" {
		req.Styles = []string{s}
	}
	return req
}

func firstImage(out sdImagesResp) ([]byte, error) {
	if msg := firstNonEmpty(out.Error, out.Detail); msg != "" {
		return nil, errors.New("diffusion: " + msg)
	}
	if len(out.Images) == 0 {
		return nil, errors.New("diffusion: empty response")
	}
	return decodeImage(out.Images[0])
}

func decodeImage(s string) ([]byte, error) {
	// some builds prefix a data URI
	if i := strings.Index(s, ","); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+1:]
	}
	img, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("diffusion: decode image: %w", err)
	}
	if len(img) == 0 {
		return nil, errors.New("diffusion: empty image")
	}
	return img, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
