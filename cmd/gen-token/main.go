package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
)

// gen-token mints an HS256 token accepted by fleet-api in LOCAL_AUTH_MODE.
func main() {
	var (
		ttl      = flag.Duration("ttl", time.Hour, "token lifetime")
		audience = flag.String("aud", "", "optional audience claim")
		issuer   = flag.String("iss", "", "optional issuer claim")
	)
	flag.Parse()

	userID := "dispatcher"
	if flag.NArg() > 0 {
		userID = flag.Arg(0)
	}
	if *ttl <= 0 {
		log.Fatal("ttl must be positive")
	}
	secret := os.Getenv("LOCAL_AUTH_SHARED_SECRET")
	if secret == "" {
		log.Fatal("LOCAL_AUTH_SHARED_SECRET must be set")
	}

	tok, err := sign([]byte(secret), userID, *audience, *issuer, time.Now(), *ttl)
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}
	fmt.Print(tok)
}

func sign(secret []byte, userID, audience, issuer string, now time.Time, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if audience != "" {
		claims["aud"] = audience
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
