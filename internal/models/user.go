package models

// Player is the authenticated caller as seen by the engine. Identity and
// session storage belong to the auth collaborator.
type Player struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}
