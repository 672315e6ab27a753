// Package media stores profile pictures.
package media

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/pkg/errors"
)

const (
	// MaxAvatarBytes caps an uploaded picture at 5MB.
	MaxAvatarBytes = 5 << 20
	AvatarFolder   = "clara/avatars"
)

var (
	ErrTooLarge    = errors.New("avatar is larger than 5MB")
	ErrNotAnImage  = errors.New("avatar must be a PNG, JPEG, GIF or WebP image")
	ErrUnavailable = errors.New("avatar uploads are not configured")
)

var avatarTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// Uploader puts a file somewhere public and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, data []byte, folder, publicID string) (string, error)
}

type CloudinaryUploader struct {
	cld *cloudinary.Cloudinary
}

func NewCloudinaryUploader(cloudName, apiKey, apiSecret string) (*CloudinaryUploader, error) {
	cld, err := cloudinary.NewFromParams(cloudName, apiKey, apiSecret)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize Cloudinary")
	}
	return &CloudinaryUploader{cld: cld}, nil
}

func (c *CloudinaryUploader) Upload(ctx context.Context, data []byte, folder, publicID string) (string, error) {
	res, err := c.cld.Upload.Upload(ctx, bytes.NewReader(data), uploader.UploadParams{
		Folder:       folder,
		PublicID:     publicID,
		ResourceType: "image",
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to upload to Cloudinary")
	}
	return res.SecureURL, nil
}

// Avatars validates pictures and hands them to an Uploader. A nil uploader
// means uploads are switched off.
type Avatars struct {
	up Uploader
}

func NewAvatars(up Uploader) *Avatars {
	return &Avatars{up: up}
}

func (a *Avatars) Enabled() bool {
	return a != nil && a.up != nil
}

// Put reads at most MaxAvatarBytes from r and uploads it under the user's
// public id, replacing any previous picture.
func (a *Avatars) Put(ctx context.Context, userID string, r io.Reader) (string, error) {
	if !a.Enabled() {
		return "", ErrUnavailable
	}
	data, err := io.ReadAll(io.LimitReader(r, MaxAvatarBytes+1))
	if err != nil {
		return "", errors.Wrap(err, "read avatar")
	}
	if len(data) > MaxAvatarBytes {
		return "", ErrTooLarge
	}
	ct := http.DetectContentType(data)
	if i := strings.Index(ct, ";"); i != -1 {
		ct = ct[:i]
	}
	if !avatarTypes[ct] {
		return "", ErrNotAnImage
	}
	return a.up.Upload(ctx, data, AvatarFolder, "user_"+userID)
}
