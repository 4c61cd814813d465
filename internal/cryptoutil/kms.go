package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/buildgate/internal/xerrors"
)

// KeyFetcher is the subset of the KMS API needed to fetch a public key.
type KeyFetcher interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSVerifier checks detached build signatures made with an asymmetric KMS
// key. KMS is called once for the public key; verification is local.
type KMSVerifier struct {
	client KeyFetcher
	keyARN string

	// AllowPKCS1v15 accepts RSA PKCS1v15 signatures. PSS only by default.
	AllowPKCS1v15 bool

	mu  sync.Mutex
	key *signingKey
}

// signingKey is the parsed public key plus the algorithms KMS reports for it.
type signingKey struct {
	pub  crypto.PublicKey
	algs []kmstypes.SigningAlgorithmSpec
}

func NewKMSVerifier(client KeyFetcher, keyARN string) *KMSVerifier {
	return &KMSVerifier{client: client, keyARN: keyARN}
}

// KeyARN returns the key the verifier was built for.
func (v *KMSVerifier) KeyARN() string { return v.keyARN }

// PublicKey returns the cached public key, fetching it on first use. Failed
// fetches are not cached.
func (v *KMSVerifier) PublicKey(ctx context.Context) (crypto.PublicKey, error) {
	k, err := v.signingKey(ctx)
	if err != nil {
		return nil, err
	}
	return k.pub, nil
}

func (v *KMSVerifier) signingKey(ctx context.Context) (*signingKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key != nil {
		return v.key, nil
	}
	if v.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}

	out, err := v.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(v.keyARN)})
	if err != nil {
		return nil, xerrors.Wrapf(err, "kms get public key %s", v.keyARN)
	}
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("kms key %s has usage %s, want SIGN_VERIFY", v.keyARN, out.KeyUsage)
	}
	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse kms public key")
	}
	switch pub.(type) {
	case *ecdsa.PublicKey, *rsa.PublicKey:
	default:
		return nil, xerrors.Newf("kms key %s: unsupported public key type %T", v.keyARN, pub)
	}

	v.key = &signingKey{pub: pub, algs: out.SigningAlgorithms}
	return v.key, nil
}

// VerifySignature checks signature over message with every algorithm the key
// supports and succeeds on the first match. When KMS did not list
// algorithms they are derived from the key: SHA-256 for P-256 and RSA,
// SHA-384 for P-384.
func (v *KMSVerifier) VerifySignature(ctx context.Context, message, signature []byte) error {
	k, err := v.signingKey(ctx)
	if err != nil {
		return err
	}
	algs := k.algs
	if len(algs) == 0 {
		algs = defaultAlgorithms(k.pub)
	}

	var tried []string
	for _, alg := range algs {
		if !v.AllowPKCS1v15 && strings.HasPrefix(string(alg), "RSASSA_PKCS1_V1_5") {
			continue
		}
		s, ok := schemes[alg]
		if !ok {
			continue
		}
		tried = append(tried, string(alg))
		if s.verify(k.pub, s.hash, message, signature) {
			return nil
		}
	}
	if len(tried) == 0 {
		return xerrors.Newf("kms key %s: no permitted signing algorithm", v.keyARN)
	}
	return xerrors.Newf("signature does not verify (tried %s)", strings.Join(tried, ", "))
}

type scheme struct {
	hash   crypto.Hash
	verify func(pub crypto.PublicKey, h crypto.Hash, msg, sig []byte) bool
}

var schemes = map[kmstypes.SigningAlgorithmSpec]scheme{
	kmstypes.SigningAlgorithmSpecEcdsaSha256:          {crypto.SHA256, verifyECDSA},
	kmstypes.SigningAlgorithmSpecEcdsaSha384:          {crypto.SHA384, verifyECDSA},
	kmstypes.SigningAlgorithmSpecEcdsaSha512:          {crypto.SHA512, verifyECDSA},
	kmstypes.SigningAlgorithmSpecRsassaPssSha256:      {crypto.SHA256, verifyPSS},
	kmstypes.SigningAlgorithmSpecRsassaPssSha384:      {crypto.SHA384, verifyPSS},
	kmstypes.SigningAlgorithmSpecRsassaPssSha512:      {crypto.SHA512, verifyPSS},
	kmstypes.SigningAlgorithmSpecRsassaPkcs1V15Sha256: {crypto.SHA256, verifyPKCS1v15},
	kmstypes.SigningAlgorithmSpecRsassaPkcs1V15Sha384: {crypto.SHA384, verifyPKCS1v15},
	kmstypes.SigningAlgorithmSpecRsassaPkcs1V15Sha512: {crypto.SHA512, verifyPKCS1v15},
}

func defaultAlgorithms(pub crypto.PublicKey) []kmstypes.SigningAlgorithmSpec {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		if k.Curve == elliptic.P384() {
			return []kmstypes.SigningAlgorithmSpec{kmstypes.SigningAlgorithmSpecEcdsaSha384}
		}
		return []kmstypes.SigningAlgorithmSpec{kmstypes.SigningAlgorithmSpecEcdsaSha256}
	case *rsa.PublicKey:
		return []kmstypes.SigningAlgorithmSpec{
			kmstypes.SigningAlgorithmSpecRsassaPssSha256,
			kmstypes.SigningAlgorithmSpecRsassaPkcs1V15Sha256,
		}
	}
	return nil
}

func digest(h crypto.Hash, msg []byte) []byte {
	d := h.New()
	d.Write(msg)
	return d.Sum(nil)
}

func verifyECDSA(pub crypto.PublicKey, h crypto.Hash, msg, sig []byte) bool {
	k, ok := pub.(*ecdsa.PublicKey)
	return ok && ecdsa.VerifyASN1(k, digest(h, msg), sig)
}

func verifyPSS(pub crypto.PublicKey, h crypto.Hash, msg, sig []byte) bool {
	k, ok := pub.(*rsa.PublicKey)
	return ok && rsa.VerifyPSS(k, h, digest(h, msg), sig, nil) == nil
}

func verifyPKCS1v15(pub crypto.PublicKey, h crypto.Hash, msg, sig []byte) bool {
	k, ok := pub.(*rsa.PublicKey)
	return ok && rsa.VerifyPKCS1v15(k, h, digest(h, msg), sig) == nil
}
