package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"optionchain/cmd/internal/passphrase"
	"optionchain/crypto"
	"optionchain/services/optiond/client"
)

const (
	defaultURL     = "http://localhost:8088"
	defaultPassEnv = "OPTIONCTL_KEYSTORE_PASS"
)

var ctlNow = time.Now

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "generate-key":
		return runGenerateKey(args[1:], stdout, stderr)
	case "instances":
		return runInstances(args[1:], stdout, stderr)
	case "specs":
		return runSpecs(args[1:], stdout, stderr)
	case "init":
		return runInit(args[1:], stdout, stderr)
	case "list":
		return runList(args[1:], stdout, stderr)
	case "fund":
		return runFund(args[1:], stdout, stderr)
	case "refresh":
		return runRefresh(args[1:], stdout, stderr)
	case "mtm":
		return runMarkToMarket(args[1:], stdout, stderr)
	case "settle":
		return runSettle(args[1:], stdout, stderr)
	case "killswitch":
		return runKillswitch(args[1:], stdout, stderr)
	case "oracle":
		return runOracle(args[1:], stdout, stderr)
	case "pump-hash":
		return runPumpHash(args[1:], stdout, stderr)
	case "issue-token":
		return runIssueToken(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.TrimSpace(`
Usage: optionctl <command> [flags]

Commands:
  generate-key  --out <keystore>                      create a signing keystore
  instances                                           list hosted option instances
  specs         --instance <id>                       show an instance
  init          --instance <id>                       initialize an instance
  list          --instance <id> --file <listing.toml> list a contract
  fund          --instance <id> --side buyer|seller --price <p> --qty <n> --trade-id <n>
  refresh       --instance <id>                       ingest the latest oracle price
  mtm           --instance <id>                       mark the trade to market
  settle        --instance <id>                       claim payouts after expiry
  killswitch    --instance <id> --level 0|1|2         set the operational gate
  oracle        --name <oracle>                       show oracle registration and quote
  pump-hash     --oracle <name> --file <binary>       register the pump build digest
  issue-token   --subject <name> --scopes admin,pump  mint an operator bearer token

Common flags:
  --url       optiond base URL (env OPTIOND_URL, default ` + defaultURL + `)
  --keystore  signing keystore (env OPTIONCTL_KEYSTORE)
  --pass-env  variable holding the keystore passphrase (default ` + defaultPassEnv + `)
  --token     operator bearer token (env OPTIOND_OPERATOR_TOKEN)`)
}

type globals struct {
	url      string
	keystore string
	passEnv  string
	token    string
	timeout  time.Duration
}

func flagSetWithOutput(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *globals) {
	fs := flagSetWithOutput(name, stderr)
	g := &globals{}
	fs.StringVar(&g.url, "url", envOr("OPTIOND_URL", defaultURL), "optiond base URL")
	fs.StringVar(&g.keystore, "keystore", os.Getenv("OPTIONCTL_KEYSTORE"), "signing keystore path")
	fs.StringVar(&g.passEnv, "pass-env", defaultPassEnv, "environment variable holding the keystore passphrase")
	fs.StringVar(&g.token, "token", os.Getenv("OPTIOND_OPERATOR_TOKEN"), "operator bearer token")
	fs.DurationVar(&g.timeout, "timeout", 15*time.Second, "request timeout")
	return fs, g
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (g *globals) loadKey() (*crypto.PrivateKey, error) {
	if strings.TrimSpace(g.keystore) == "" {
		return nil, errors.New("--keystore is required")
	}
	return crypto.LoadKeyFile(g.keystore, passphrase.NewSource(g.passEnv, "keystore").Get)
}

// client builds an optiond client, signing with the keystore when signed is
// true.
func (g *globals) client(signed bool) (*client.Client, error) {
	cfg := client.Config{URL: g.url, Token: g.token, Timeout: g.timeout, Now: ctlNow}
	if signed {
		key, err := g.loadKey()
		if err != nil {
			return nil, err
		}
		cfg.Key = key
	}
	return client.NewClient(cfg), nil
}

func (g *globals) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.timeout)
}

func parseFlags(fs *flag.FlagSet, args []string, stderr io.Writer) bool {
	if err := fs.Parse(args); err != nil {
		return false
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return false
	}
	return true
}

func printError(stderr io.Writer, msg string) int {
	fmt.Fprintf(stderr, "Error: %s\n", msg)
	return 1
}

func printJSON(stdout, stderr io.Writer, v interface{}) int {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, string(out))
	return 0
}
