package torrentctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlagsHasSetClear(t *testing.T) {
	var f Flags
	assert.False(t, f.Has(SeedMode))

	f = f.Set(SeedMode)
	assert.True(t, f.Has(SeedMode))
	assert.False(t, f.Has(UploadMode))

	f = f.Set(UploadMode)
	assert.True(t, f.Has(SeedMode))
	assert.True(t, f.Has(UploadMode))

	f = f.Clear(SeedMode)
	assert.False(t, f.Has(SeedMode))
	assert.True(t, f.Has(UploadMode))
}

func TestDefaultFlags(t *testing.T) {
	f := DefaultFlags()
	assert.True(t, f.Has(AutoManaged))
	assert.True(t, f.Has(Metadata))
	assert.True(t, f.Has(DownloadMode))
	assert.True(t, f.Has(UploadMode))
	assert.False(t, f.Has(SeedMode))
	assert.False(t, f.Has(Paused))
}

func TestFlagsString(t *testing.T) {
	var f Flags
	assert.Equal(t, "none", f.String())

	f = f.Set(SeedMode).Set(Paused)
	s := f.String()
	assert.Contains(t, s, "seed_mode")
	assert.Contains(t, s, "paused")
}
