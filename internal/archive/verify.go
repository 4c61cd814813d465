package archive

import (
	"context"
	"errors"
	"strings"

	"github.com/keithlinneman/buildgate/internal/cryptoutil"
)

// Verifier checks that a build archive declares the expected application.
type Verifier struct {
	manifestName string
	limits       Limits
}

// NewVerifier returns a Verifier looking for manifestName at the archive
// root. An empty name uses DefaultManifestName.
func NewVerifier(manifestName string, limits Limits) *Verifier {
	if manifestName == "" {
		manifestName = DefaultManifestName
	}
	return &Verifier{manifestName: manifestName, limits: limits.withDefaults()}
}

// ManifestName returns the file name the verifier looks for.
func (v *Verifier) ManifestName() string { return v.manifestName }

// Limits returns the decode limits in effect.
func (v *Verifier) Limits() Limits { return v.limits }

// Verified is a successfully verified archive. The caller owns Handle and
// must Close it.
type Verified struct {
	Handle   *Handle
	Manifest Manifest
}

// Verify decodes data and checks its manifest against appID and verifyKey.
// A missing or misplaced manifest is reported from the listing alone. On any
// failure the decoded handle is closed and nothing is retained.
func (v *Verifier) Verify(ctx context.Context, data []byte, appID, verifyKey string) (*Verified, error) {
	h, err := decode(data, v.limits, func(entries []Entry) error {
		_, err := locateManifest(entries, v.manifestName)
		return err
	})
	if err != nil {
		return nil, err
	}
	m, err := v.VerifyHandle(ctx, h, appID, verifyKey)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	return &Verified{Handle: h, Manifest: m}, nil
}

// VerifyHandle runs the manifest checks against an already decoded handle.
// It does not close h.
func (v *Verifier) VerifyHandle(ctx context.Context, h *Handle, appID, verifyKey string) (Manifest, error) {
	path, err := locateManifest(h.Entries(), v.manifestName)
	if err != nil {
		return Manifest{}, err
	}

	raw, err := h.readFile(ctx, path, MaxManifestBytes)
	switch {
	case errors.Is(err, errTooLarge):
		return Manifest{}, newError(KindManifestMalformed, path, errors.New("manifest exceeds 1 MiB"))
	case err != nil && ctx.Err() != nil:
		return Manifest{}, ctx.Err()
	case err != nil:
		return Manifest{}, newError(KindCorruptArchive, path, err)
	}

	m, err := ParseManifest(raw)
	if err != nil {
		var ae *Error
		if errors.As(err, &ae) {
			ae.Path = path
		}
		return Manifest{}, err
	}

	if m.AppID != appID {
		return Manifest{}, &Error{Kind: KindAppIDMismatch, Expected: appID, Actual: m.AppID}
	}
	if !cryptoutil.SecretEqual(m.VerifyKey, verifyKey) {
		return Manifest{}, &Error{Kind: KindVerifyKeyMismatch, Expected: verifyKey, Actual: m.VerifyKey}
	}
	return m, nil
}

// locateManifest returns the root manifest path, or a misplaced or missing
// error. Among nested candidates the shallowest wins, then archive order.
func locateManifest(entries []Entry, name string) (string, error) {
	suffix := "/" + name
	best, bestDepth := "", -1
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if e.Path == name {
			return name, nil
		}
		if strings.HasSuffix(e.Path, suffix) {
			d := strings.Count(e.Path, "/")
			if bestDepth < 0 || d < bestDepth {
				best, bestDepth = e.Path, d
			}
		}
	}
	if best != "" {
		return "", newError(KindMisplacedManifest, best, nil)
	}
	return "", newError(KindManifestMissing, "", nil)
}
