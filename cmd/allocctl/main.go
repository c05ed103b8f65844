package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/go-resty/resty/v2"

	"yieldvault/internal/passphrase"
	"yieldvault/services/allocd/auth"
)

const (
	defaultServer    = "http://127.0.0.1:7080"
	defaultSecretEnv = "ALLOCD_JWT_SECRET"
	defaultTokenEnv  = "ALLOCD_TOKEN"
	defaultPassEnv   = "ALLOCD_KEYSTORE_PASSPHRASE"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}
	if err := run(os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: allocctl <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  token       mint an API bearer token")
	fmt.Fprintln(w, "  status      show pool NAV and allocations")
	fmt.Fprintln(w, "  position    show a depositor's position")
	fmt.Fprintln(w, "  deposit     deposit an amount for a user")
	fmt.Fprintln(w, "  withdraw    withdraw an amount for a user")
	fmt.Fprintln(w, "  upkeep      run upkeep when due")
	fmt.Fprintln(w, "  rebalance   force a rebalance")
	fmt.Fprintln(w, "  pause       pause or resume the allocation module")
	fmt.Fprintln(w, "  export      export the audit trail to parquet")
	fmt.Fprintln(w, "  keystore    create a signer keystore")
}

func run(command string, args []string, out io.Writer) error {
	switch command {
	case "token":
		return runToken(args, out)
	case "status":
		return runGet(command, "/v1/status", args, out)
	case "position":
		return runPosition(args, out)
	case "deposit":
		return runAmount(command, "/v1/deposits", args, out)
	case "withdraw":
		return runAmount(command, "/v1/withdrawals", args, out)
	case "upkeep":
		return runPost(command, "/v1/upkeep", args, out)
	case "rebalance":
		return runPost(command, "/v1/rebalance", args, out)
	case "pause":
		return runPause(args, out)
	case "export":
		return runPost(command, "/v1/exports", args, out)
	case "keystore":
		return runKeystore(args, out)
	case "help", "-h", "--help":
		usage(out)
		return nil
	default:
		usage(os.Stderr)
		return fmt.Errorf("unknown command %q", command)
	}
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	secretEnv := fs.String("secret-env", defaultSecretEnv, "Environment variable holding the HMAC secret")
	issuer := fs.String("issuer", "allocd", "Token issuer")
	audience := fs.String("audience", "", "Token audience")
	subject := fs.String("subject", "", "Token subject (depositor identity)")
	scopes := fs.String("scopes", auth.ScopeDepositor, "Comma separated scopes: depositor, keeper, admin")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*subject) == "" {
		return fmt.Errorf("--subject is required")
	}
	list := make([]string, 0, 3)
	for _, scope := range strings.Split(*scopes, ",") {
		scope = strings.ToLower(strings.TrimSpace(scope))
		switch scope {
		case "":
			continue
		case auth.ScopeDepositor, auth.ScopeKeeper, auth.ScopeAdmin:
			list = append(list, scope)
		default:
			return fmt.Errorf("unknown scope %q", scope)
		}
	}
	token, err := auth.Mint(os.Getenv(*secretEnv), *issuer, *audience, *subject, list, *ttl, time.Now())
	if err != nil {
		return fmt.Errorf("%w (set %s)", err, *secretEnv)
	}
	fmt.Fprintln(out, token)
	return nil
}

// apiFlags are shared by every command talking to allocd.
type apiFlags struct {
	server   *string
	tokenEnv *string
	timeout  *time.Duration
}

func bindAPIFlags(fs *flag.FlagSet) apiFlags {
	return apiFlags{
		server:   fs.String("server", defaultServer, "allocd base URL"),
		tokenEnv: fs.String("token-env", defaultTokenEnv, "Environment variable holding the bearer token"),
		timeout:  fs.Duration("timeout", 30*time.Second, "Request timeout"),
	}
}

func (f apiFlags) client() *resty.Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(*f.server, "/")).
		SetTimeout(*f.timeout).
		SetHeader("Accept", "application/json")
	if token := strings.TrimSpace(os.Getenv(*f.tokenEnv)); token != "" {
		client.SetAuthToken(token)
	}
	return client
}

func runGet(command, path string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	api := bindAPIFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	resp, err := api.client().R().Get(path)
	return render(resp, err, out)
}

func runPosition(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("position", flag.ContinueOnError)
	api := bindAPIFlags(fs)
	user := fs.String("user", "", "Depositor identity")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*user) == "" {
		return fmt.Errorf("--user is required")
	}
	resp, err := api.client().R().SetPathParam("user", *user).Get("/v1/positions/{user}")
	return render(resp, err, out)
}

func runAmount(command, path string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	api := bindAPIFlags(fs)
	user := fs.String("user", "", "Depositor identity (defaults to the token subject)")
	amount := fs.String("amount", "", "Amount in base units")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*amount) == "" {
		return fmt.Errorf("--amount is required")
	}
	body := map[string]string{"user": *user, "amount": *amount}
	resp, err := api.client().R().SetBody(body).Post(path)
	return render(resp, err, out)
}

func runPost(command, path string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	api := bindAPIFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	resp, err := api.client().R().Post(path)
	return render(resp, err, out)
}

func runPause(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("pause", flag.ContinueOnError)
	api := bindAPIFlags(fs)
	resume := fs.Bool("resume", false, "Resume instead of pausing")
	module := fs.String("module", "allocation", "Module to toggle")
	if err := fs.Parse(args); err != nil {
		return err
	}
	body := map[string]any{"module": *module, "paused": !*resume}
	resp, err := api.client().R().SetBody(body).Post("/v1/pause")
	return render(resp, err, out)
}

func runKeystore(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keystore", flag.ContinueOnError)
	dir := fs.String("dir", "./keystore", "Directory to write the keystore into")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pass, err := passphrase.NewSource(*passEnv, "signer keystore").Get()
	if err != nil {
		return err
	}
	ks := keystore.NewKeyStore(*dir, keystore.StandardScryptN, keystore.StandardScryptP)
	account, err := ks.NewAccount(pass)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	fmt.Fprintf(out, "address: %s\nkeystore: %s\n", account.Address.Hex(), account.URL.Path)
	return nil
}

func render(resp *resty.Response, err error, out io.Writer) error {
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	body := resp.Body()
	if resp.IsError() {
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
			return fmt.Errorf("allocd returned %d: %s", resp.StatusCode(), payload.Error)
		}
		return fmt.Errorf("allocd returned %d: %s", resp.StatusCode(), strings.TrimSpace(string(body)))
	}
	var pretty any
	if err := json.Unmarshal(body, &pretty); err != nil {
		_, werr := out.Write(body)
		return werr
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(pretty)
}
