package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// Scopes консоли
const (
	ScopeAdmin    = "governance.admin"    // Управление правилами и бюджетами
	ScopeApprover = "governance.approver" // Решения по Checkpoint
)

// CustomClaims — RS256 токен, выданный внешним Identity-провайдером.
type CustomClaims struct {
	UserID    string          `json:"user_id"`
	ActorType ActorType       `json:"actor_type,omitempty"` // user по умолчанию, agent для Agent workflow
	Scopes    map[string]bool `json:"scopes"`               // "governance.admin": true
	jwt.RegisteredClaims
}

// Actor превращает claims в актора аудита.
func (c *CustomClaims) Actor() Actor {
	return Actor{ID: c.UserID, Type: c.ActorType}.OrSystem()
}

func (c *CustomClaims) HasScope(scope string) bool {
	return c.Scopes[ScopeAdmin] || c.Scopes[scope]
}
