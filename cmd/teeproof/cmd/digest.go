package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jaswinder6991/teeproof/commitment"
)

type digestResult struct {
	Request       string `json:"requestHash"`
	Response      string `json:"responseHash,omitempty"`
	SignatureText string `json:"signatureText,omitempty"`
	Binding       string `json:"binding,omitempty"`
}

// computeDigests commits to the exact bytes of the request and, if given,
// the response. With both and a signed text it also checks the binding.
func computeDigests(request, response []byte, haveResponse bool, signedText string) digestResult {
	res := digestResult{Request: commitment.DigestRequest(request)}
	if !haveResponse {
		return res
	}
	res.Response = commitment.DigestResponse(response)
	res.SignatureText = commitment.BindSignatureText(res.Request, res.Response)
	if signedText != "" {
		res.Binding = commitment.VerifyBinding(res.Request, res.Response, signedText).String()
	}
	return res
}

var (
	digestJSONOutput bool
	digestSigned     string
)

var digestCmd = &cobra.Command{
	Use:   "digest <request-file> [response-file]",
	Short: "Print the SHA-256 commitments of a request and response body",
	Long: `Hashes the exact bytes of each file, with no normalization. A streamed
response must include every SSE line and the trailing newlines.

With --signed, the signed text returned by the inference backend is checked
against the two commitments.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runDigest,
}

func init() {
	rootCmd.AddCommand(digestCmd)
	digestCmd.Flags().BoolVar(&digestJSONOutput, "json", false, "Output results as JSON")
	digestCmd.Flags().StringVar(&digestSigned, "signed", "", "Signed text to check, in the form <request-hash>:<response-hash>")
}

func runDigest(cmd *cobra.Command, args []string) error {
	request, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot read file: %v\n", err)
		os.Exit(2)
	}
	var response []byte
	if len(args) == 2 {
		if response, err = os.ReadFile(args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot read file: %v\n", err)
			os.Exit(2)
		}
	}

	res := computeDigests(request, response, len(args) == 2, digestSigned)
	if digestJSONOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	fmt.Printf("request:  %s\n", res.Request)
	if res.Response != "" {
		fmt.Printf("response: %s\n", res.Response)
		fmt.Printf("signed:   %s\n", res.SignatureText)
	}
	switch res.Binding {
	case "":
	case commitment.BindingMatch.String():
		color.Green("[PASS] binding: %s", res.Binding)
	default:
		color.Red("[FAIL] binding: %s", res.Binding)
		os.Exit(1)
	}
	return nil
}
