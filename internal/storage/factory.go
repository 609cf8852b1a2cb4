package storage

import (
	"context"
	"fmt"

	"github.com/xphotos/xphotos/internal/storage/generic"
	s3backend "github.com/xphotos/xphotos/internal/storage/s3"
	"github.com/xphotos/xphotos/pkg/retry"
)

// Settings are the raw storage settings for one backend kind, keyed as in
// the app_settings table (for example "s3_bucket").
type Settings map[string]string

// settingKeys lists the settings read for each kind; required marks the
// ones that must be non-empty.
var settingKeys = map[Kind][]struct {
	key      string
	required bool
}{
	KindS3: {
		{"s3_bucket", true},
		{"s3_region", true},
		{"s3_access_key", true},
		{"s3_secret_key", true},
		{"s3_endpoint", false},
	},
	KindR2: {
		{"r2_account_id", true},
		{"r2_bucket", true},
		{"r2_access_key", true},
		{"r2_secret_key", true},
		{"r2_endpoint", false},
	},
	KindGeneric: {
		{"generic_base_url", false},
		{"local_storage_path", false},
	},
}

// SettingKeys returns the setting names read for kind.
func SettingKeys(kind Kind) []string {
	var keys []string
	for _, k := range settingKeys[kind] {
		keys = append(keys, k.key)
	}
	return keys
}

// Validate checks that every required setting for kind is present.
func Validate(kind Kind, s Settings) error {
	specs, ok := settingKeys[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}

	var missing []string
	for _, spec := range specs {
		if spec.required && s[spec.key] == "" {
			missing = append(missing, spec.key)
		}
	}
	if kind == KindGeneric && s["generic_base_url"] == "" && s["local_storage_path"] == "" {
		missing = append(missing, "generic_base_url or local_storage_path")
	}
	if len(missing) > 0 {
		return &ConfigError{Kind: kind, Missing: missing}
	}
	return nil
}

// Factory builds a backend for kind from validated settings.
type Factory func(ctx context.Context, kind Kind, s Settings) (Backend, error)

// GenericOptions tune the generic backend; they come from process
// configuration rather than the settings store.
type GenericOptions struct {
	MaxObjectBytes    int64
	RequestsPerSecond float64
	Retry             retry.Config
}

// NewFactory returns the Factory used in production.
func NewFactory(opts GenericOptions) Factory {
	return func(ctx context.Context, kind Kind, s Settings) (Backend, error) {
		switch kind {
		case KindS3:
			return backendOrNil(s3backend.New(ctx, s3backend.Config{
				Endpoint:  s["s3_endpoint"],
				Bucket:    s["s3_bucket"],
				AccessKey: s["s3_access_key"],
				SecretKey: s["s3_secret_key"],
				Region:    s["s3_region"],
			}))
		case KindR2:
			return backendOrNil(s3backend.NewR2(ctx, s3backend.R2Config{
				AccountID: s["r2_account_id"],
				Bucket:    s["r2_bucket"],
				AccessKey: s["r2_access_key"],
				SecretKey: s["r2_secret_key"],
				Endpoint:  s["r2_endpoint"],
			}))
		case KindGeneric:
			return backendOrNil(generic.New(generic.Config{
				BaseURL:           s["generic_base_url"],
				RootPath:          s["local_storage_path"],
				MaxObjectBytes:    opts.MaxObjectBytes,
				RequestsPerSecond: opts.RequestsPerSecond,
				Retry:             opts.Retry,
			}))
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
		}
	}
}

// backendOrNil keeps a failed constructor's typed nil pointer out of the
// Backend interface.
func backendOrNil[B Backend](b B, err error) (Backend, error) {
	if err != nil {
		return nil, err
	}
	return b, nil
}
