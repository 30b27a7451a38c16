// Package auth verifies HMAC-SHA256 signatures on inbound events and signs
// outbound HTTP actions.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/cadenza-automation/cadenza/internal/types"
)

// SignatureHeader carries the payload signature on HTTP requests.
const SignatureHeader = "X-Cadenza-Signature"

// signatureMetadata carries the signature on gRPC calls.
const signatureMetadata = "x-cadenza-signature"

// ParseSecrets parses "platform:base64secret" pairs separated by commas.
func ParseSecrets(spec string) (map[types.PlatformID][]byte, error) {
	secrets := make(map[types.PlatformID][]byte)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, encoded, ok := strings.Cut(part, ":")
		if !ok || id == "" || encoded == "" {
			return nil, fmt.Errorf("%w: %q is not platform:base64secret", ErrInvalidSecretSpec, part)
		}
		secret, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: secret for %s is not base64: %v", ErrInvalidSecretSpec, id, err)
		}
		if len(secret) < 16 {
			return nil, fmt.Errorf("%w: secret for %s is shorter than 16 bytes", ErrInvalidSecretSpec, id)
		}
		secrets[types.PlatformID(id)] = secret
	}
	return secrets, nil
}

// Verifier checks payload signatures per platform. Platforms without a
// configured secret accept unsigned payloads.
type Verifier struct {
	secrets map[types.PlatformID][]byte
}

func NewVerifier(secrets map[types.PlatformID][]byte) *Verifier {
	if secrets == nil {
		secrets = map[types.PlatformID][]byte{}
	}
	return &Verifier{secrets: secrets}
}

// Secret returns the secret configured for a platform.
func (v *Verifier) Secret(platform types.PlatformID) ([]byte, bool) {
	s, ok := v.secrets[platform]
	return s, ok
}

// Verify checks header against payload for platform.
func (v *Verifier) Verify(platform types.PlatformID, payload []byte, header string) error {
	secret, ok := v.secrets[platform]
	if !ok {
		return nil
	}
	sig, err := ParseSignature(header)
	if err != nil {
		return err
	}
	if !VerifyHMAC(sig, ComputeHMAC(secret, payload)) {
		return ErrSignatureMismatch
	}
	return nil
}

// PlatformOf extracts the platform a gRPC request targets.
type PlatformOf func(req any) (types.PlatformID, bool)

// UnaryInterceptor verifies the x-cadenza-signature metadata against the
// deterministic protobuf encoding of the request.
func (v *Verifier) UnaryInterceptor(platformOf PlatformOf) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		platform, ok := platformOf(req)
		if !ok {
			return handler(ctx, req)
		}
		if _, signed := v.secrets[platform]; !signed {
			return handler(ctx, req)
		}
		msg, ok := req.(proto.Message)
		if !ok {
			return nil, status.Error(codes.Internal, "request is not a protobuf message")
		}
		payload, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}

		var header string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(signatureMetadata); len(vals) > 0 {
				header = vals[0]
			}
		}
		if err := v.Verify(platform, payload, header); err != nil {
			if errors.Is(err, ErrMissingSignature) {
				return nil, status.Error(codes.Unauthenticated, err.Error())
			}
			return nil, status.Error(codes.PermissionDenied, err.Error())
		}
		return handler(ctx, req)
	}
}
