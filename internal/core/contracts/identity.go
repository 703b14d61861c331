package contracts

import "context"

// Identity is the external identity provider. User ids returned here
// are the immutable subject ids that profile documents are keyed by.
type Identity interface {
	// CurrentUser reports the subject id of an existing authenticated
	// session, if any.
	CurrentUser(ctx context.Context) (string, bool)
	// CreateAccount registers new credentials and signs the session in.
	CreateAccount(ctx context.Context, email, password string) (string, error)
	// SignIn authenticates existing credentials.
	SignIn(ctx context.Context, email, password string) (string, error)
	// SignOut tears the session down. Idempotent.
	SignOut(ctx context.Context) error
}
