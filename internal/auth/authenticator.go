package auth

// Authenticator exchanges admin credentials for API tokens
type Authenticator struct {
	users  UserRepository
	tokens *TokenManager
}

// NewAuthenticator creates an authenticator over the account repository
func NewAuthenticator(users UserRepository, tokens *TokenManager) *Authenticator {
	return &Authenticator{users: users, tokens: tokens}
}

// Login validates credentials and issues a token
func (a *Authenticator) Login(username, password string) (string, *User, error) {
	user, err := a.users.ValidateCredentials(username, password)
	if err != nil {
		return "", nil, err
	}
	token, err := a.tokens.Generate(user)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

// Tokens returns the token manager used for validation
func (a *Authenticator) Tokens() *TokenManager {
	return a.tokens
}
