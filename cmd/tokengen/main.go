package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"healthsense/api"
	"healthsense/config"
	"healthsense/identity"
	"healthsense/log"
)

var (
	uid      = flag.String("uid", "", "Firebase UID to mint a token for (default HEALTHSENSE_UID)")
	exchange = flag.Bool("exchange", false, "Exchange the custom token for an ID token")
	check    = flag.Bool("check", false, "Call the API check-auth endpoint with the ID token (implies -exchange)")
)

func main() {
	flag.Parse()

	logger := log.GetInstance()
	defer logger.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	target := cfg.UID
	if *uid != "" {
		target = *uid
	}
	if target == "" {
		logger.Fatal("No UID given; pass -uid or set HEALTHSENSE_UID")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	minter, err := identity.NewCustomTokenMinter(ctx, cfg.FirebaseServiceAccountJSON, logger)
	if err != nil {
		logger.Fatal("Failed to initialize token minter", zap.Error(err))
	}

	if !*exchange && !*check {
		token, err := minter.Mint(ctx, target)
		if err != nil {
			logger.Fatal("Failed to mint custom token", zap.Error(err))
		}
		fmt.Println(token)
		return
	}

	fb := identity.NewFirebase(identity.Config{
		APIKey:             cfg.FirebaseAPIKey,
		IdentityToolkitURL: cfg.FirebaseIdentityURL,
		SecureTokenURL:     cfg.FirebaseSecureTokenURL,
		Timeout:            cfg.RequestTimeout,
	}, logger)

	user, err := identity.SignInAs(ctx, minter, fb, target, logger)
	if err != nil {
		logger.Fatal("Failed to exchange custom token", zap.Error(err))
	}
	idToken, err := fb.Token(ctx, false)
	if err != nil {
		logger.Fatal("Failed to read ID token", zap.Error(err))
	}

	if !*check {
		fmt.Println(idToken)
		return
	}

	client := api.NewClient(cfg.APIURL, fb,
		api.WithLogger(logger),
		api.WithTimeout(cfg.RequestTimeout),
		api.WithNetworkRetry(cfg.NetworkRetryAttempts, cfg.NetworkRetryDelay))
	result, err := client.CheckAuth(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, api.DisplayMessage(err, cfg.Locale))
		os.Exit(1)
	}
	fmt.Printf("uid=%s authenticated=%t email=%s\n", result.UID, result.Authenticated, user.Email)
}
