package documents

import (
	"github.com/MarcoPoloResearchLab/countersign/internal/auth"
)

// TokenVerifier validates capability tokens.
type TokenVerifier interface {
	Verify(token string) (auth.CapabilityClaims, error)
}

// Caller is whoever is asking: an authenticated identity, a capability
// token, both, or neither.
type Caller struct {
	Identity  *auth.Identity
	Token     string
	ClientIP  string
	UserAgent string
}

func (c Caller) email() string {
	if c.Identity == nil {
		return ""
	}
	return c.Identity.Email
}

// Gate decides who may view a document and who may sign for a signer.
type Gate struct {
	tokens TokenVerifier
}

// NewGate constructs a Gate backed by the capability token verifier.
func NewGate(tokens TokenVerifier) *Gate {
	return &Gate{tokens: tokens}
}

// CanView allows the creator, any signer, or any holder of a token scoped to
// the document.
func (g *Gate) CanView(doc Document, caller Caller) bool {
	if email := caller.email(); email != "" {
		for _, allowed := range doc.AllowedViewers() {
			if allowed == email {
				return true
			}
		}
	}
	claims, ok := g.claims(caller.Token)
	return ok && claims.DocumentID == doc.ID
}

// CanSign allows the signer themself, or a token scoped to the document and
// that signer's email. A token for signer A never grants signer B.
func (g *Gate) CanSign(doc Document, signerID string, caller Caller) bool {
	signer, ok := doc.Signer(signerID)
	if !ok {
		return false
	}
	if email := caller.email(); email != "" && email == signer.Email {
		return true
	}
	claims, ok := g.claims(caller.Token)
	return ok && claims.DocumentID == doc.ID && claims.Email == signer.Email
}

// IsCreator reports whether the authenticated caller created the document.
func (g *Gate) IsCreator(doc Document, caller Caller) bool {
	email := caller.email()
	return email != "" && email == doc.CreatorEmail
}

// CurrentSigner resolves the signer the caller acts as, by identity first and
// token second.
func (g *Gate) CurrentSigner(doc Document, caller Caller) (Signer, bool) {
	if email := caller.email(); email != "" {
		if signer, ok := doc.SignerByEmail(email); ok {
			return signer, true
		}
	}
	claims, ok := g.claims(caller.Token)
	if !ok || claims.DocumentID != doc.ID {
		return Signer{}, false
	}
	return doc.SignerByEmail(claims.Email)
}

func (g *Gate) claims(token string) (auth.CapabilityClaims, bool) {
	if token == "" || g.tokens == nil {
		return auth.CapabilityClaims{}, false
	}
	claims, err := g.tokens.Verify(token)
	if err != nil {
		return auth.CapabilityClaims{}, false
	}
	return claims, true
}
