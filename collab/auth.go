package collab

import (
	"context"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
)

// Grant is the resolved identity and role a connection carries after
// admission.
type Grant struct {
	UserId      string
	DisplayName string
	Role        Role
	ReadOnly    bool
}

type GateSettings struct {
	DirectoryTimeout time.Duration
}

func DefaultGateSettings() *GateSettings {
	return &GateSettings{
		DirectoryTimeout: 5 * time.Second,
	}
}

// Gate admits or rejects connections before any room state is exposed.
// Every failure is closed: a bad token, an unparseable claim set or a
// directory error all reject the attempt.
type Gate struct {
	jwtSecret []byte
	directory Directory
	audit     AuditLog

	settings *GateSettings
}

func NewGateWithDefaults(jwtSecret []byte, directory Directory, audit AuditLog) *Gate {
	return NewGate(jwtSecret, directory, audit, DefaultGateSettings())
}

func NewGate(jwtSecret []byte, directory Directory, audit AuditLog, settings *GateSettings) *Gate {
	return &Gate{
		jwtSecret: jwtSecret,
		directory: directory,
		audit:     audit,
		settings:  settings,
	}
}

// Admit validates the bearer token and resolves the user's role on the
// document's project. Owner admissions are recorded in the audit log.
func (self *Gate) Admit(ctx context.Context, token string, key DocKey) (*Grant, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}

	userId, displayName, err := self.verifyToken(token)
	if err != nil {
		glog.V(1).Infof("[ac]reject %s = %s\n", key, err)
		return nil, fmt.Errorf("%w: %s", ErrUnauthenticated, err)
	}

	directoryCtx, cancel := context.WithTimeout(ctx, self.settings.DirectoryTimeout)
	defer cancel()
	role, err := self.directory.Membership(directoryCtx, key.ProjectId, userId)
	if err != nil {
		glog.V(1).Infof("[ac]deny %s %s = %s\n", key, userId, err)
		return nil, fmt.Errorf("%w: user %s on project %s", ErrAccessDenied, userId, key.ProjectId)
	}

	grant := &Grant{
		UserId:      userId,
		DisplayName: displayName,
		Role:        role,
		ReadOnly:    role == RoleViewer,
	}

	if role == RoleOwner {
		if err := self.audit.Connected(directoryCtx, key, userId, time.Now()); err != nil {
			// audit is best effort for the admission itself
			glog.Infof("[ac]audit error %s %s = %s\n", key, userId, err)
		}
	}

	return grant, nil
}

// RecordDisconnect closes the audit entry opened at admission.
func (self *Gate) RecordDisconnect(ctx context.Context, key DocKey, grant *Grant) {
	if grant.Role != RoleOwner {
		return
	}
	auditCtx, cancel := context.WithTimeout(ctx, self.settings.DirectoryTimeout)
	defer cancel()
	if err := self.audit.Disconnected(auditCtx, key, grant.UserId, time.Now()); err != nil {
		glog.Infof("[ac]audit error %s %s = %s\n", key, grant.UserId, err)
	}
}

func (self *Gate) verifyToken(token string) (userId string, displayName string, err error) {
	parsed, err := gojwt.Parse(
		token,
		func(t *gojwt.Token) (any, error) {
			if _, ok := t.Method.(*gojwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
			}
			return self.jwtSecret, nil
		},
		gojwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", "", err
	}

	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return "", "", fmt.Errorf("unexpected claims type %T", parsed.Claims)
	}
	userId, _ = claims["user_id"].(string)
	if userId == "" {
		return "", "", fmt.Errorf("missing user_id claim")
	}
	displayName, _ = claims["display_name"].(string)
	if displayName == "" {
		displayName = userId
	}
	return userId, displayName, nil
}
