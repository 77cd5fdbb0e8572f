package blob

import (
	"context"
	"feedformula/internal/infra/blob/fs"
	"feedformula/internal/infra/blob/memory"
	"feedformula/internal/infra/blob/s3"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Options selects and configures the export artifact store.
type Options struct {
	Driver    Driver
	FSRoot    string
	FSBaseURL string
	S3        s3.Config
}

// OptionsFromEnv reads blob settings from the environment.
//
//	FEEDFORMULA_BLOB_DRIVER: fs|s3|memory (default fs)
//	FEEDFORMULA_BLOB_FS_ROOT: directory root when driver=fs (default ./exports)
//	FEEDFORMULA_BLOB_FS_BASE_URL: optional URL the root is served under
//	FEEDFORMULA_BLOB_S3_*: bucket settings when driver=s3
func OptionsFromEnv() (Options, error) {
	return OptionsFrom(os.Getenv)
}

// OptionsFrom reads the same settings through lookup.
func OptionsFrom(lookup func(string) string) (Options, error) {
	driver := strings.ToLower(strings.TrimSpace(lookup("FEEDFORMULA_BLOB_DRIVER")))
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	opts := Options{
		Driver:    Driver(driver),
		FSRoot:    lookup("FEEDFORMULA_BLOB_FS_ROOT"),
		FSBaseURL: lookup("FEEDFORMULA_BLOB_FS_BASE_URL"),
	}
	if opts.Driver == DriverS3 {
		cfg, err := s3.ConfigFrom(lookup)
		if err != nil {
			return Options{}, err
		}
		opts.S3 = cfg
	}
	return opts, nil
}

// Open constructs the store described by opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverFilesystem, "":
		var fsOpts []fs.Option
		if opts.FSBaseURL != "" {
			base, err := url.Parse(opts.FSBaseURL)
			if err != nil {
				return nil, fmt.Errorf("blob fs base url: %w", err)
			}
			fsOpts = append(fsOpts, fs.WithBaseURL(base))
		}
		return fs.New(opts.FSRoot, fsOpts...)
	case DriverS3:
		return s3.New(ctx, opts.S3)
	case DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", opts.Driver)
	}
}

// OpenFromEnv is OptionsFromEnv followed by Open.
func OpenFromEnv(ctx context.Context) (Store, error) {
	opts, err := OptionsFromEnv()
	if err != nil {
		return nil, err
	}
	return Open(ctx, opts)
}
