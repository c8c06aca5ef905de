package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDBHealthyNilSafe(t *testing.T) {
	ctx := context.Background()

	var d *DB
	assert.False(t, d.Healthy(ctx))
	assert.NoError(t, d.Close())
	assert.False(t, (&DB{}).Healthy(ctx))
}

func TestRedisHealthyNilSafe(t *testing.T) {
	ctx := context.Background()

	var r *Redis
	assert.False(t, r.Healthy(ctx))
	assert.False(t, (&Redis{}).Healthy(ctx))
}
