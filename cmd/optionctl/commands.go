package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"optionchain/cmd/internal/passphrase"
	"optionchain/crypto"
	"optionchain/gateway/middleware"
	"optionchain/services/optiond"
)

func runGenerateKey(args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("generate-key", stderr)
	out := fs.String("out", "", "keystore path to create")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(*out) == "" {
		return printError(stderr, "--out is required")
	}
	if _, err := os.Stat(*out); err == nil {
		return printError(stderr, fmt.Sprintf("%s already exists", *out))
	}
	pass, err := passphrase.NewSource(g.passEnv, "keystore").Get()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, err.Error())
	}
	if err := crypto.SaveToKeystore(*out, key, pass); err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "Address: %s\nKeystore: %s\n", key.PubKey().Address().String(), *out)
	return 0
}

func runInstances(args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("instances", stderr)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	c, err := g.client(false)
	if err != nil {
		return printError(stderr, err.Error())
	}
	ctx, cancel := g.context()
	defer cancel()
	ids, err := c.Instances(ctx)
	if err != nil {
		return printError(stderr, err.Error())
	}
	for _, id := range ids {
		fmt.Fprintln(stdout, id)
	}
	return 0
}

func instanceFlag(fs *flag.FlagSet) *string {
	return fs.String("instance", "default", "option instance id")
}

func runSpecs(args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("specs", stderr)
	instance := instanceFlag(fs)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	c, err := g.client(false)
	if err != nil {
		return printError(stderr, err.Error())
	}
	ctx, cancel := g.context()
	defer cancel()
	specs, err := c.Specs(ctx, *instance)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return printJSON(stdout, stderr, specs)
}

func runInit(args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("init", stderr)
	instance := instanceFlag(fs)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	c, err := g.client(true)
	if err != nil {
		return printError(stderr, err.Error())
	}
	ctx, cancel := g.context()
	defer cancel()
	if err := c.Init(ctx, *instance); err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "Initialized %s\n", *instance)
	return 0
}

func runList(args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("list", stderr)
	instance := instanceFlag(fs)
	file := fs.String("file", "", "listing TOML file")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(*file) == "" {
		return printError(stderr, "--file is required")
	}
	listing, err := loadListing(*file)
	if err != nil {
		return printError(stderr, err.Error())
	}
	c, err := g.client(true)
	if err != nil {
		return printError(stderr, err.Error())
	}
	body, err := listing.body(c.Address().String())
	if err != nil {
		return printError(stderr, err.Error())
	}
	ctx, cancel := g.context()
	defer cancel()
	def, err := c.List(ctx, *instance, body)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return printJSON(stdout, stderr, def)
}

func runFund(args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("fund", stderr)
	instance := instanceFlag(fs)
	side := fs.String("side", "", "buyer or seller")
	price := fs.String("price", "", "premium per unit, e.g. 10.25")
	qty := fs.String("qty", "", "contract quantity")
	decimals := fs.Int("decimals", -1, "price decimals (defaults to the listing's)")
	token := fs.String("collateral", "", "collateral token (defaults to the listing's)")
	tradeID := fs.Uint64("trade-id", 0, "nonzero trade identifier shared by both sides")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if _, err := optiond.ParseSide(*side); err != nil {
		return printError(stderr, "--side must be buyer or seller")
	}
	if strings.TrimSpace(*price) == "" || strings.TrimSpace(*qty) == "" {
		return printError(stderr, "--price and --qty are required")
	}
	if *tradeID == 0 {
		return printError(stderr, "--trade-id must be nonzero")
	}
	c, err := g.client(true)
	if err != nil {
		return printError(stderr, err.Error())
	}
	ctx, cancel := g.context()
	defer cancel()

	dec := *decimals
	collateral := strings.TrimSpace(*token)
	if dec < 0 || collateral == "" {
		specs, err := c.Specs(ctx, *instance)
		if err != nil {
			return printError(stderr, err.Error())
		}
		if specs.Definition == nil {
			return printError(stderr, fmt.Sprintf("%s has no listing", *instance))
		}
		if dec < 0 {
			dec = int(specs.Definition.Decimals)
		}
		if collateral == "" {
			collateral = specs.Definition.Token
		}
	}
	if dec > 18 {
		return printError(stderr, "--decimals must be at most 18")
	}
	scaled, err := optiond.ParseFixed(*price, uint32(dec))
	if err != nil {
		return printError(stderr, err.Error())
	}
	dep, err := c.Fund(ctx, *instance, optiond.FundBody{
		Counterparty: c.Address().String(),
		Token:        collateral,
		Side:         *side,
		Price:        scaled.String(),
		Decimals:     uint32(dec),
		Qty:          strings.TrimSpace(*qty),
		TradeID:      *tradeID,
	})
	if err != nil {
		return printError(stderr, err.Error())
	}
	return printJSON(stdout, stderr, dep)
}

func runRefresh(args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("refresh", stderr)
	instance := instanceFlag(fs)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	c, err := g.client(true)
	if err != nil {
		return printError(stderr, err.Error())
	}
	ctx, cancel := g.context()
	defer cancel()
	snap, err := c.Refresh(ctx, *instance)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return printJSON(stdout, stderr, snap)
}

func runMarkToMarket(args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("mtm", stderr)
	instance := instanceFlag(fs)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	c, err := g.client(true)
	if err != nil {
		return printError(stderr, err.Error())
	}
	ctx, cancel := g.context()
	defer cancel()
	mark, err := c.MarkToMarket(ctx, *instance)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return printJSON(stdout, stderr, mark)
}

func runSettle(args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("settle", stderr)
	instance := instanceFlag(fs)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	c, err := g.client(true)
	if err != nil {
		return printError(stderr, err.Error())
	}
	ctx, cancel := g.context()
	defer cancel()
	res, err := c.Settle(ctx, *instance)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return printJSON(stdout, stderr, res)
}

func runKillswitch(args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("killswitch", stderr)
	instance := instanceFlag(fs)
	level := fs.Int("level", -1, "0 open, 1 halt trading, 2 halt everything")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if *level < 0 || *level > 2 {
		return printError(stderr, "--level must be 0, 1 or 2")
	}
	c, err := g.client(true)
	if err != nil {
		return printError(stderr, err.Error())
	}
	ctx, cancel := g.context()
	defer cancel()
	if err := c.Killswitch(ctx, *instance, uint8(*level)); err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "Gate for %s set to %d\n", *instance, *level)
	return 0
}

func runOracle(args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("oracle", stderr)
	name := fs.String("name", "default", "oracle name")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	c, err := g.client(false)
	if err != nil {
		return printError(stderr, err.Error())
	}
	ctx, cancel := g.context()
	defer cancel()
	info, err := c.Oracle(ctx, *name)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return printJSON(stdout, stderr, info)
}

func runPumpHash(args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("pump-hash", stderr)
	name := fs.String("oracle", "default", "oracle name")
	file := fs.String("file", "", "pump binary to digest")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(*file) == "" {
		return printError(stderr, "--file is required")
	}
	digest, err := fileDigest(*file)
	if err != nil {
		return printError(stderr, err.Error())
	}
	c, err := g.client(true)
	if err != nil {
		return printError(stderr, err.Error())
	}
	ctx, cancel := g.context()
	defer cancel()
	if err := c.SetPumpHash(ctx, *name, digest); err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "Pump hash for %s set to %s\n", *name, digest)
	return 0
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func runIssueToken(args []string, stdout, stderr io.Writer) int {
	fs := flagSetWithOutput("issue-token", stderr)
	secretEnv := fs.String("secret-env", "OPTIOND_OPERATOR_SECRET", "environment variable holding the HMAC secret")
	issuer := fs.String("issuer", "", "token issuer")
	audience := fs.String("audience", "", "token audience")
	subject := fs.String("subject", "", "token subject")
	scopes := fs.String("scopes", "admin", "comma separated scopes: admin, pump")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime; 0 never expires")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(*subject) == "" {
		return printError(stderr, "--subject is required")
	}
	granted, err := parseScopes(*scopes)
	if err != nil {
		return printError(stderr, err.Error())
	}
	token, err := middleware.IssueToken(os.Getenv(*secretEnv), *issuer, *audience, *subject, granted, *ttl, ctlNow())
	if err != nil {
		return printError(stderr, fmt.Sprintf("%v (set %s)", err, *secretEnv))
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func parseScopes(raw string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "":
		case "admin", middleware.ScopeAdmin:
			out = append(out, middleware.ScopeAdmin)
		case "pump", middleware.ScopePump:
			out = append(out, middleware.ScopePump)
		default:
			return nil, fmt.Errorf("unknown scope %q", part)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("--scopes must name at least one scope")
	}
	return out, nil
}
