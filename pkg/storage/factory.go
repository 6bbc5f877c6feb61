package storage

import (
	"log/slog"

	"github.com/vyvo/hairstyle-transfer/pkg/config"
	"github.com/vyvo/hairstyle-transfer/pkg/failure"
)

// FromConfig builds the configured blob store.
func FromConfig(st config.Storage, creds config.Credentials) (BlobStore, error) {
	switch st.Backend {
	case config.BackendOSS:
		return NewOSSStore(OSSConfig{
			Endpoint:        st.Endpoint,
			Bucket:          st.Bucket,
			AccessKeyID:     creds.AccessKeyID,
			AccessKeySecret: creds.AccessKeySecret,
			Signed:          st.URLMode == config.URLModeSigned,
			SignedURLTTL:    st.SignedURLTTL,
		})
	case config.BackendSFTP:
		return NewSFTPStore(SFTPConfig{
			Addr:           st.SFTP.Addr,
			User:           st.SFTP.User,
			Password:       st.SFTP.Password,
			PrivateKeyPath: st.SFTP.PrivateKeyPath,
			KnownHostsPath: st.SFTP.KnownHostsPath,
			Root:           st.SFTP.Root,
			PublicBaseURL:  st.PublicBaseURL,
		})
	case config.BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, failure.Configuration("unknown storage backend %q", st.Backend)
	}
}

// NewUploaderFromConfig wires an Uploader with the configured limits.
func NewUploaderFromConfig(store BlobStore, st config.Storage, logger *slog.Logger) *Uploader {
	return NewUploader(store,
		WithPrefix(st.Prefix),
		WithMaxBytes(st.MaxBytes),
		WithNetworkRetry(defaultAttempts, st.RetryDelay),
		WithLogger(logger),
	)
}
