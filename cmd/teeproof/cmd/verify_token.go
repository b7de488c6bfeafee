package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jaswinder6991/teeproof/attestation"
	"github.com/jaswinder6991/teeproof/jwks"
)

type tokenReport struct {
	Verified   bool     `json:"verified"`
	NonceAlias string   `json:"nonceAlias,omitempty"`
	Reasons    []string `json:"reasons"`
}

// verifyTokenOffline checks token against a key set read from jwksPath.
func verifyTokenOffline(ctx context.Context, token, nonce, jwksPath string, exp attestation.Expectations, opts ...attestation.VerifierOption) (*attestation.Result, error) {
	keys := jwks.New(jwks.FileFetcher{Path: jwksPath})
	return attestation.NewVerifier(keys, opts...).Verify(ctx, token, nonce, exp)
}

// loadExpectations reads a JSON Expectations object and rejects it unless
// all five identity fields are present.
func loadExpectations(path string) (attestation.Expectations, error) {
	var exp attestation.Expectations
	data, err := os.ReadFile(path)
	if err != nil {
		return exp, err
	}
	if err := json.Unmarshal(data, &exp); err != nil {
		return exp, fmt.Errorf("invalid expectations: %w", err)
	}
	if err := exp.Validate(); err != nil {
		return exp, fmt.Errorf("invalid expectations: %w", err)
	}
	return exp, nil
}

var (
	vtToken        string
	vtTokenFile    string
	vtNonce        string
	vtJWKSFile     string
	vtExpectations string
	vtAudience     string
	vtJSONOutput   bool
)

var verifyTokenCmd = &cobra.Command{
	Use:   "verify-token",
	Short: "Verify a GPU attestation token offline",
	Long: `Verifies an attestation authority token against a local JWKS file:
the ES256/ES384 signature, the standard claims, the nonce, and the expected
hardware identity.

The expectations file is a JSON object with arch, deviceCertHash, rimHash,
ueid and measurements. Every field is required.`,
	Args: cobra.NoArgs,
	RunE: runVerifyToken,
}

func init() {
	rootCmd.AddCommand(verifyTokenCmd)
	f := verifyTokenCmd.Flags()
	f.StringVar(&vtToken, "token", "", "Token to verify")
	f.StringVar(&vtTokenFile, "token-file", "", "Read the token from a file")
	f.StringVar(&vtNonce, "nonce", "", "Expected nonce")
	f.StringVar(&vtJWKSFile, "jwks-file", "", "Path to the authority's JWKS")
	f.StringVar(&vtExpectations, "expectations", "", "Path to the expected hardware identity (JSON)")
	f.StringVar(&vtAudience, "audience", "", "Expected audience (default: the authority's)")
	f.BoolVar(&vtJSONOutput, "json", false, "Output results as JSON")
	verifyTokenCmd.MarkFlagRequired("jwks-file")
	verifyTokenCmd.MarkFlagRequired("expectations")
	verifyTokenCmd.MarkFlagsOneRequired("token", "token-file")
	verifyTokenCmd.MarkFlagsMutuallyExclusive("token", "token-file")
}

func runVerifyToken(cmd *cobra.Command, args []string) error {
	token := vtToken
	if vtTokenFile != "" {
		data, err := os.ReadFile(vtTokenFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot read token: %v\n", err)
			os.Exit(2)
		}
		token = strings.TrimSpace(string(data))
	}
	exp, err := loadExpectations(vtExpectations)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	res, err := verifyTokenOffline(cmd.Context(), token, vtNonce, vtJWKSFile, exp, attestation.WithAudience(vtAudience))
	if err != nil {
		// The token could not be trusted at all.
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	report := tokenReport{Verified: res.Verified, NonceAlias: res.NonceAlias, Reasons: res.Reasons}
	if report.Reasons == nil {
		report.Reasons = []string{}
	}
	if vtJSONOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		fmt.Println("Attestation token verification")
		color.Green("[PASS] signature")
		for _, reason := range report.Reasons {
			color.Red("[FAIL] %s", reason)
		}
		fmt.Println()
		if report.Verified {
			fmt.Println("Result: VERIFIED")
		} else {
			fmt.Printf("Result: FAILED (%d reason(s))\n", len(report.Reasons))
		}
	}

	if !report.Verified {
		os.Exit(1)
	}
	return nil
}
