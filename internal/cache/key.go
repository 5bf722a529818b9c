// Rankline - Personalized Recommendation Serving and Experimentation
// Copyright 2026 Rankline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rankline/rankline

package cache

import (
	"github.com/cespare/xxhash/v2"

	"github.com/rankline/rankline/internal/models"
)

// Key identifies one cached score list. All four components participate in
// equality: the same user on a different variant, model epoch, or request
// context is a distinct entry, so stale generations can never collide with
// fresh ones.
type Key struct {
	UserID      string
	VariantID   string
	Epoch       uint64
	ContextHash uint64
}

// HashContext reduces a request context to a stable 64-bit fingerprint.
// Fields are hashed in fixed order with separators so that ("ab", "c")
// and ("a", "bc") fingerprint differently.
func HashContext(ctx models.InteractionContext) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(ctx.Device)
	_, _ = d.Write(fieldSep)
	_, _ = d.WriteString(ctx.Location)
	_, _ = d.Write(fieldSep)
	_, _ = d.WriteString(ctx.Surface)
	return d.Sum64()
}

var fieldSep = []byte{0}
