package pairing

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/cryptox"
	"github.com/dmitrijs2005/classbook/internal/timex"
)

var codeSigningMethod = jwt.SigningMethodES256

// CodeClaims is the content of a pairing code. The code carries the
// responder's certificate and is signed with its key, so the initiator can
// pin the expected fingerprint before it connects.
type CodeClaims struct {
	DeviceID    string `json:"did"`
	Name        string `json:"name,omitempty"`
	Fingerprint string `json:"fp"`
	Address     string `json:"addr,omitempty"`
	PIN         string `json:"pin"`
	Certificate []byte `json:"crt"`
	jwt.RegisteredClaims
}

// IssueCode signs a pairing code for tok.
func IssueCode(cert *cryptox.DeviceCert, name, address string, tok Token, now time.Time) (string, error) {
	claims := CodeClaims{
		DeviceID:    cert.DeviceID(),
		Name:        name,
		Fingerprint: cert.Fingerprint(),
		Address:     address,
		PIN:         tok.PIN,
		Certificate: cert.DER,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   cert.DeviceID(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(tok.ExpiresAt),
		},
	}
	code, err := jwt.NewWithClaims(codeSigningMethod, claims).SignedString(cert.Key)
	if err != nil {
		return "", fmt.Errorf("sign pairing code: %w", err)
	}
	return code, nil
}

// ParseCode verifies a pairing code against the certificate it embeds.
func ParseCode(code string, clock timex.Clock) (*CodeClaims, error) {
	claims, err := decodeCode(code, clock)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, common.NewAuthError(common.ReasonPinExpired)
	}
	if err != nil {
		return nil, errors.Join(common.NewAuthError(common.ReasonBadPairingCode), err)
	}
	return claims, nil
}

func decodeCode(code string, clock timex.Clock) (*CodeClaims, error) {
	token, err := jwt.ParseWithClaims(code, &CodeClaims{}, func(t *jwt.Token) (any, error) {
		c, ok := t.Claims.(*CodeClaims)
		if !ok {
			return nil, errors.New("unexpected claims type")
		}
		cert, err := cryptox.ParseCertificate(c.Certificate)
		if err != nil {
			return nil, err
		}
		if cryptox.Fingerprint(c.Certificate) != c.Fingerprint {
			return nil, errors.New("fingerprint does not match embedded certificate")
		}
		if cert.Subject.CommonName != c.DeviceID {
			return nil, errors.New("device id does not match embedded certificate")
		}
		return cert.PublicKey.(*ecdsa.PublicKey), nil
	},
		jwt.WithValidMethods([]string{codeSigningMethod.Alg()}),
		jwt.WithTimeFunc(clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*CodeClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid pairing code")
	}
	if !IsPIN(claims.PIN) {
		return nil, errors.New("pairing code carries no pin")
	}
	return claims, nil
}
