// jobfiles-token mints or inspects job files capability tokens with the
// service's shared secret. Schedulers that hold the secret use it instead
// of the key-minting endpoint.
package main

import (
	"encoding/json"
	"fmt"
	"jobfiles/internal/config"
	"jobfiles/internal/token"
	"os"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var secretFile, jobID, inspect, kind string
	var asJSON bool

	flagSet := pflag.NewFlagSet("jobfiles-token", pflag.ContinueOnError)
	flagSet.StringVar(&secretFile, "secret-file", config.GetEnv("TOKEN_SECRET_FILE", ""), "file holding the token secret")
	flagSet.StringVarP(&jobID, "job", "j", "", "job ID to mint a token for")
	flagSet.StringVar(&inspect, "inspect", "", "verify a token and print its claims instead of minting")
	flagSet.StringVar(&kind, "kind", token.KindJobFiles, "token kind to mint or verify")
	flagSet.BoolVar(&asJSON, "json", false, "print {\"job_id\",\"job_key\"} instead of the bare token")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	secret := config.GetSecretFile(secretFile)
	if secret == "" {
		return fmt.Errorf("token secret is required (--secret-file or TOKEN_SECRET_FILE)")
	}
	signer, err := token.NewKeyedSigner([]byte(secret))
	if err != nil {
		return err
	}
	codec := token.NewCodec(signer)

	if inspect != "" {
		claims, err := codec.Inspect(inspect, kind)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(map[string]string{"kind": claims.Kind, "job_id": claims.JobID})
	}

	if jobID == "" {
		return fmt.Errorf("--job is required")
	}
	key, err := codec.Encode(jobID, kind)
	if err != nil {
		return err
	}
	if asJSON {
		return json.NewEncoder(os.Stdout).Encode(map[string]string{"job_id": jobID, "job_key": key})
	}
	fmt.Println(key)
	return nil
}
