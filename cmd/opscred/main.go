// Command opscred provisions operator credentials for the bot's HTTP API:
// it mints OPS_JWT_SECRET-signed bearer tokens and bcrypt hashes for the
// OPS_API_KEY_HASH setting.
//
//	opscred -subject alice -ttl 24h
//	opscred -key s3cret
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"gatherbot/internal/adapters/auth"
)

func main() {
	var (
		subject = flag.String("subject", "", "mint a bearer token for this operator")
		ttl     = flag.Duration("ttl", 24*time.Hour, "token lifetime")
		secret  = flag.String("secret", "", "signing secret (defaults to OPS_JWT_SECRET)")
		key     = flag.String("key", "", "hash this API key for OPS_API_KEY_HASH")
	)
	flag.Parse()

	godotenv.Load()

	switch {
	case *key != "":
		hash, err := auth.HashAPIKey(*key)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(hash)
	case *subject != "":
		s := *secret
		if s == "" {
			s = os.Getenv("OPS_JWT_SECRET")
		}
		if s == "" {
			log.Fatal("no signing secret: pass -secret or set OPS_JWT_SECRET")
		}
		token, err := auth.NewJWTIssuer(s).Issue(*subject, *ttl)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(token)
	default:
		flag.Usage()
		os.Exit(2)
	}
}
