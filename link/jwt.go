package link

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims from the platform-issued account jwt.
// the token is verified server side. the client only extracts ids.
type AccountJwt struct {
	AccountId Id
	UserName  string
}

func ParseAccountJwtUnverified(jwt string) (*AccountJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	accountJwt := &AccountJwt{}

	if accountIdStr, ok := claims["account_id"].(string); ok {
		if accountId, err := ParseId(accountIdStr); err == nil {
			accountJwt.AccountId = accountId
		}
	}
	if userName, ok := claims["user_name"].(string); ok {
		accountJwt.UserName = userName
	}

	return accountJwt, nil
}
