package artifact

import (
	"context"
	"errors"
	"fmt"

	"dossier/api/internal/store"
)

// ErrIntegrity means stored bytes no longer match their recorded digest.
var ErrIntegrity = errors.New("artifact integrity violation")

type VerifyStatus string

const (
	VerifyIntact   VerifyStatus = "intact"
	VerifyMismatch VerifyStatus = "mismatch"
	VerifyMissing  VerifyStatus = "missing"
)

type Verification struct {
	Status         VerifyStatus `json:"status"`
	Locator        string       `json:"locator"`
	ExpectedDigest string       `json:"expectedDigest"`
	ActualDigest   string       `json:"actualDigest,omitempty"`
	ExpectedSize   int64        `json:"expectedSize"`
	ActualSize     int64        `json:"actualSize,omitempty"`
}

// Verify re-downloads an artifact and recomputes its digest and size.
func (l *Locker) Verify(ctx context.Context, artifact store.LockedArtifact) (Verification, error) {
	result := Verification{
		Locator:        artifact.Locator,
		ExpectedDigest: artifact.Digest,
		ExpectedSize:   artifact.Size,
	}
	data, err := l.blobs.Get(ctx, artifact.Locator)
	if errors.Is(err, ErrBlobNotFound) {
		result.Status = VerifyMissing
		return result, nil
	}
	if err != nil {
		return Verification{}, fmt.Errorf("verify %s: %w", artifact.Locator, err)
	}
	result.ActualDigest = Digest(data)
	result.ActualSize = int64(len(data))
	if result.ActualDigest == artifact.Digest && result.ActualSize == artifact.Size {
		result.Status = VerifyIntact
	} else {
		result.Status = VerifyMismatch
	}
	return result, nil
}
