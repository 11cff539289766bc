package idempotency

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const Header = "Idempotency-Key"

func Key(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(Header))
}

// DeriveID maps a client idempotency key to a stable identifier so a
// retried create lands on the same row. Without a key a random id is used.
func DeriveID(namespace uuid.UUID, key string) string {
	if key == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(namespace, []byte(key)).String()
}

// IsUniqueViolation reports a Postgres unique_violation (23505). When
// constraint is not empty it must also match the violated constraint name.
func IsUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
	}
	return false
}
