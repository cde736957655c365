package imagerender

import (
	"bytes"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRasterizerRendersToTargetWidth(t *testing.T) {
	r := NewRasterizer(80)
	s, err := r.Open(pngBytes(t, 40, 20, color.White))
	require.NoError(t, err)

	ras, err := s.RenderPage(0, 20)
	require.NoError(t, err)
	assert.InDelta(t, 20, ras.Width, 1)
	assert.InDelta(t, 10, ras.Height, 1)

	img, err := jpeg.Decode(bytes.NewReader(ras.Data))
	require.NoError(t, err)
	assert.Equal(t, ras.Width, img.Bounds().Dx())

	_, err = s.RenderPage(1, 20)
	assert.Error(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.RenderPage(0, 20)
	assert.ErrorIs(t, err, errClosed)
}

func TestRasterizerRejectsGarbage(t *testing.T) {
	_, err := NewRasterizer(0).Open([]byte("not a document"))
	assert.Error(t, err)
}

func TestSelfTest(t *testing.T) {
	assert.NoError(t, NewRasterizer(75).SelfTest())
}
