// Command provision is the out-of-band bootstrap path for hardware keys:
// it registers the very first super-admin key directly into the sealed
// key registry, before any elevated session exists to authorize a normal
// registration.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime/debug"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog"

	"github.com/engryamato/sizewise-auth/internal/config"
	"github.com/engryamato/sizewise-auth/keystore"
	"github.com/engryamato/sizewise-auth/superadmin"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error provisioning key: %s\n", err)
	}
	log.Printf("Done\n")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	var (
		keyID   = flag.String("key-id", "", "identifier for the hardware key")
		userID  = flag.String("user", "", "user id the key belongs to")
		email   = flag.String("email", "", "email of the key holder")
		label   = flag.String("label", "", "human-readable key label")
		pemPath = flag.String("pubkey", "", "path to the ECDSA public key (PEM, PKIX)")
	)
	flag.Parse()

	if *keyID == "" || *userID == "" || *pemPath == "" {
		flag.Usage()
		return errors.New("key-id, user and pubkey are required")
	}

	displayAppname("SizeWise Provision")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.KeystorePath == "" || cfg.KeystorePassphrase == "" {
		return errors.New("SIZEWISE_KEYSTORE_PATH and SIZEWISE_KEYSTORE_PASSPHRASE must be set")
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	db, err := keystore.OpenSQLite(cfg.KeystorePath)
	if err != nil {
		return err
	}
	defer db.Close()

	sealer, err := keystore.NewSealer(cfg.KeystorePassphrase)
	if err != nil {
		return err
	}
	store := keystore.NewSealed(keystore.NewSQLite(db, "hardware-keys"), sealer)

	registry, err := superadmin.NewKeyRegistry(store, logger)
	if err != nil {
		return err
	}

	pemBytes, err := os.ReadFile(*pemPath)
	if err != nil {
		return fmt.Errorf("reading public key: %w", err)
	}

	err = registry.Provision(context.Background(), superadmin.HardwareKey{
		ID:           *keyID,
		UserID:       *userID,
		Email:        *email,
		Label:        *label,
		PublicKeyPEM: string(pemBytes),
	})
	if err != nil {
		return err
	}

	log.Printf("Hardware key %q provisioned for user %q (%d keys registered)\n",
		*keyID, *userID, len(registry.Keys()))
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
