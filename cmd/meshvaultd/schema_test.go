package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinDocumentsDeclaresDocumentClass(t *testing.T) {
	docs := builtinDocuments()
	meta, ok := docs["document"]
	require.True(t, ok)

	assert.NotNil(t, meta.Get("title"))
	assert.NotNil(t, meta.Get("author"))
	assert.NotNil(t, meta.Get("body"))

	attachment := meta.Get("attachment")
	require.NotNil(t, attachment)
	assert.True(t, attachment.Remote)
}

func TestBuiltinDocumentsIsStableAcrossCalls(t *testing.T) {
	first := builtinDocuments()
	second := builtinDocuments()
	assert.ElementsMatch(t, first["document"].Names(), second["document"].Names())
}
