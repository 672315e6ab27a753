package media

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingUploader struct {
	folder, publicID string
	size             int
}

func (r *recordingUploader) Upload(_ context.Context, data []byte, folder, publicID string) (string, error) {
	r.folder, r.publicID, r.size = folder, publicID, len(data)
	return "https://res.example/" + publicID + ".png", nil
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestAvatarsPut(t *testing.T) {
	up := &recordingUploader{}
	a := NewAvatars(up)
	ctx := context.Background()

	url, err := a.Put(ctx, "u1", bytes.NewReader(pngHeader))
	require.NoError(t, err)
	assert.Equal(t, "https://res.example/user_u1.png", url)
	assert.Equal(t, AvatarFolder, up.folder)
	assert.Equal(t, len(pngHeader), up.size)

	_, err = a.Put(ctx, "u1", strings.NewReader("just some text"))
	assert.ErrorIs(t, err, ErrNotAnImage)

	big := append(append([]byte{}, pngHeader...), make([]byte, MaxAvatarBytes)...)
	_, err = a.Put(ctx, "u1", bytes.NewReader(big))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestAvatarsDisabled(t *testing.T) {
	var a *Avatars
	assert.False(t, a.Enabled())
	_, err := NewAvatars(nil).Put(context.Background(), "u1", bytes.NewReader(pngHeader))
	assert.ErrorIs(t, err, ErrUnavailable)
}
