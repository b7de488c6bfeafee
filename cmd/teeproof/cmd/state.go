package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jaswinder6991/teeproof/proof"
	"github.com/jaswinder6991/teeproof/verification"
)

type stateReport struct {
	File           string               `json:"file"`
	VerificationID string               `json:"verificationId"`
	Model          string               `json:"model"`
	Overall        verification.Overall `json:"overall"`
	Steps          []stepReport         `json:"steps"`
	Reasons        []string             `json:"reasons"`
	HashNote       string               `json:"hashNote,omitempty"`
}

type stepReport struct {
	Name    verification.StepName `json:"name"`
	Status  verification.Status   `json:"status"`
	Message string                `json:"message,omitempty"`
}

// decodeBundle accepts an exported proof bundle or an archived record
// wrapping one under "proof".
func decodeBundle(data []byte) (*proof.Bundle, error) {
	var wrapper struct {
		Proof json.RawMessage `json:"proof"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, err
	}
	if len(wrapper.Proof) > 0 && string(wrapper.Proof) != "null" {
		data = wrapper.Proof
	}
	var b proof.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	if b.Signature == nil && b.NRAS == nil && b.NonceCheck == nil {
		return nil, errors.New("no proof bundle found")
	}
	return &b, nil
}

// deriveBundleState re-runs the state engine over a bundle. Session hashes
// are preferred so a mismatch with the signed text is reported.
func deriveBundleState(b *proof.Bundle, cpuRequired bool) stateReport {
	reqHash := b.Hashes.SessionRequest
	if reqHash == "" {
		reqHash = b.Hashes.Request
	}
	respHash := b.Hashes.SessionResponse
	if respHash == "" {
		respHash = b.Hashes.Response
	}
	if b.Intel != nil && b.Intel.Required {
		cpuRequired = true
	}

	st := verification.Derive(b.Input(reqHash, respHash, cpuRequired))
	report := stateReport{
		VerificationID: b.VerificationID,
		Model:          b.Model,
		Overall:        st.Overall,
		Reasons:        st.Reasons,
	}
	for _, name := range st.Order {
		step := st.Step(name)
		report.Steps = append(report.Steps, stepReport{Name: name, Status: step.Status, Message: step.Message})
	}
	if b.Hashes.SessionRequest != "" && !b.Hashes.Match {
		report.HashNote = "session hashes differ from the hashes the TEE signed"
	}
	return report
}

func printStateReport(report stateReport) {
	fmt.Printf("Proof state: %s\n", report.File)
	fmt.Printf("Verification ID: %s\n", report.VerificationID)
	fmt.Printf("Model:           %s\n\n", report.Model)

	pass := color.New(color.FgGreen).SprintFunc()
	fail := color.New(color.FgRed).SprintFunc()
	wait := color.New(color.FgYellow).SprintFunc()
	for _, s := range report.Steps {
		var tag string
		switch s.Status {
		case verification.StatusSuccess:
			tag = pass("[PASS]")
		case verification.StatusError:
			tag = fail("[FAIL]")
		default:
			tag = wait("[WAIT]")
		}
		if s.Message != "" {
			fmt.Printf("%s %s: %s\n", tag, s.Name, s.Message)
		} else {
			fmt.Printf("%s %s\n", tag, s.Name)
		}
	}
	if report.HashNote != "" {
		fmt.Printf("[WARN] %s\n", report.HashNote)
	}

	fmt.Println()
	switch report.Overall {
	case verification.OverallVerified:
		color.Green("Result: VERIFIED")
	case verification.OverallFailed:
		color.Red("Result: FAILED (%d reason(s))", len(report.Reasons))
		for _, r := range report.Reasons {
			fmt.Printf("  - %s\n", r)
		}
	default:
		color.Yellow("Result: PENDING")
	}
}

var (
	stateJSONOutput bool
	stateRequireCPU bool
)

var stateCmd = &cobra.Command{
	Use:   "state <proof.json>",
	Short: "Derive the verification state of an exported proof",
	Long: `Reads a proof bundle (from POST /verification/proof) or an archived record
(from GET /proofs/{verificationId}) and re-derives each verification step
offline. The TEE signature is re-checked; the attestation token verdict is
taken from the bundle.

Exits 0 when verified, 1 when failed or pending, 2 on unreadable input.`,
	Args: cobra.ExactArgs(1),
	RunE: runState,
}

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.Flags().BoolVar(&stateJSONOutput, "json", false, "Output results as JSON")
	stateCmd.Flags().BoolVar(&stateRequireCPU, "require-cpu", false, "Treat the CPU step as required")
}

func runState(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	data, err := os.ReadFile(filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot read file: %v\n", err)
		os.Exit(2)
	}
	b, err := decodeBundle(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid proof: %v\n", err)
		os.Exit(2)
	}

	report := deriveBundleState(b, stateRequireCPU)
	report.File = filePath

	if stateJSONOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
	} else {
		printStateReport(report)
	}

	if report.Overall != verification.OverallVerified {
		os.Exit(1)
	}
	return nil
}
