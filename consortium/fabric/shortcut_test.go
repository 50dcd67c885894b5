package fabric

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShortcutName(t *testing.T) {
	assert.Equal(t, "Clinical_Trials", ShortcutName("Clinical Trials"))
	assert.Equal(t, "Clinical_Trials_2026", ShortcutName("Clinical - Trials   2026"))
	assert.Equal(t, "Genomics_v2", ShortcutName("Genomics (v2)!"))
	assert.Equal(t, "already_valid", ShortcutName("already_valid"))
}

func TestShortcutNameTruncation(t *testing.T) {
	long := strings.Repeat("a", 200)
	name := ShortcutName(long)
	assert.Len(t, name, 128)
}

func TestShortcutNameStable(t *testing.T) {
	// Retries for the same product must derive the same name.
	assert.Equal(t, ShortcutName("Clinical Trials"), ShortcutName("Clinical Trials"))
}
