package storage

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"rentals-server/config"
	"rentals-server/logging"
	"strings"
	"time"
)

// UploadedImage is what the image host returns for a stored file.
type UploadedImage struct {
	URL      string
	PublicID string
}

// ImageStore uploads and deletes listing images.
type ImageStore interface {
	Upload(ctx context.Context, dataURI, publicID string) (UploadedImage, error)
	Delete(ctx context.Context, publicID string) error
}

var Images ImageStore

var ErrImagesDisabled = errors.New("image storage is not configured")

// Cloudinary talks to the Cloudinary upload API with signed requests.
type Cloudinary struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
	Client    *http.Client
	baseURL   string
}

func NewCloudinary(cloudName, apiKey, apiSecret, folder string) *Cloudinary {
	return &Cloudinary{
		CloudName: cloudName,
		APIKey:    apiKey,
		APISecret: apiSecret,
		Folder:    folder,
		Client:    &http.Client{Timeout: 30 * time.Second},
		baseURL:   "https://api.cloudinary.com/v1_1/",
	}
}

// InitializeImages selects Cloudinary when credentials are present.
func InitializeImages(cfg *config.Config) {
	if !cfg.CloudinaryEnabled() {
		logging.Log.Warn("cloudinary not configured, image uploads disabled")
		Images = disabledImages{}
		return
	}
	Images = NewCloudinary(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
}

func (c *Cloudinary) fullPublicID(publicID string) string {
	if c.Folder == "" || strings.HasPrefix(publicID, c.Folder+"/") {
		return publicID
	}
	return c.Folder + "/" + publicID
}

// sign follows Cloudinary's scheme: sorted params joined with & then the secret, SHA-1 hex.
func (c *Cloudinary) sign(publicID, timestamp string) string {
	payload := fmt.Sprintf("public_id=%s&timestamp=%s%s", publicID, timestamp, c.APISecret)
	return fmt.Sprintf("%x", sha1.Sum([]byte(payload)))
}

func (c *Cloudinary) post(ctx context.Context, action string, form url.Values, out interface{}) error {
	endpoint := c.baseURL + c.CloudName + "/image/" + action
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("cloudinary %s: %w", action, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("cloudinary %s: read body: %w", action, err)
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("cloudinary %s: status %d: %s", action, res.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("cloudinary %s: decode: %w", action, err)
	}
	return nil
}

type cloudinaryError struct {
	Message string `json:"message"`
}

// Upload stores a base64 image. dataURI may be a bare base64 payload or a data: URI.
func (c *Cloudinary) Upload(ctx context.Context, dataURI, publicID string) (UploadedImage, error) {
	if dataURI == "" {
		return UploadedImage{}, errors.New("empty image payload")
	}
	if !strings.HasPrefix(dataURI, "data:") {
		dataURI = "data:image/jpeg;base64," + dataURI
	}

	finalID := c.fullPublicID(publicID)
	timestamp := fmt.Sprintf("%d", time.Now().Unix())

	form := url.Values{}
	form.Add("file", dataURI)
	form.Add("api_key", c.APIKey)
	form.Add("public_id", finalID)
	form.Add("timestamp", timestamp)
	form.Add("signature", c.sign(finalID, timestamp))

	var res struct {
		SecureURL string          `json:"secure_url"`
		URL       string          `json:"url"`
		PublicID  string          `json:"public_id"`
		Error     cloudinaryError `json:"error"`
	}
	if err := c.post(ctx, "upload", form, &res); err != nil {
		return UploadedImage{}, err
	}
	if res.Error.Message != "" {
		return UploadedImage{}, fmt.Errorf("cloudinary upload: %s", res.Error.Message)
	}

	out := UploadedImage{URL: res.SecureURL, PublicID: res.PublicID}
	if out.URL == "" {
		out.URL = res.URL
	}
	if out.PublicID == "" {
		out.PublicID = finalID
	}
	if out.URL == "" {
		return UploadedImage{}, errors.New("cloudinary upload: no url returned")
	}
	return out, nil
}

func (c *Cloudinary) Delete(ctx context.Context, publicID string) error {
	finalID := c.fullPublicID(publicID)
	timestamp := fmt.Sprintf("%d", time.Now().Unix())

	form := url.Values{}
	form.Add("public_id", finalID)
	form.Add("api_key", c.APIKey)
	form.Add("timestamp", timestamp)
	form.Add("signature", c.sign(finalID, timestamp))

	var res struct {
		Result string          `json:"result"`
		Error  cloudinaryError `json:"error"`
	}
	if err := c.post(ctx, "destroy", form, &res); err != nil {
		return err
	}
	if res.Error.Message != "" {
		return fmt.Errorf("cloudinary destroy: %s", res.Error.Message)
	}
	if res.Result != "ok" {
		return fmt.Errorf("cloudinary destroy: result %q", res.Result)
	}
	return nil
}

type disabledImages struct{}

func (disabledImages) Upload(context.Context, string, string) (UploadedImage, error) {
	return UploadedImage{}, ErrImagesDisabled
}

func (disabledImages) Delete(context.Context, string) error { return ErrImagesDisabled }
