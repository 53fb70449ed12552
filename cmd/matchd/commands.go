package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

type matchResponse struct {
	CandidateID  string  `json:"candidate_id"`
	JobVariantID string  `json:"job_variant_id"`
	FitScore     float64 `json:"fit_score"`
	Breakdown    struct {
		MustHaveScore   float64 `json:"must_have_score"`
		ShouldHaveScore float64 `json:"should_have_score"`
		NiceToHaveScore float64 `json:"nice_to_have_score"`
	} `json:"breakdown"`
	Strengths       []string `json:"strengths"`
	Gaps            []string `json:"gaps"`
	Recommendations []string `json:"recommendations"`
}

func printMatch(res matchResponse) {
	printStatus("Fit score", "%.1f", res.FitScore)
	printStatus("Must have", "%.1f", res.Breakdown.MustHaveScore)
	printStatus("Should have", "%.1f", res.Breakdown.ShouldHaveScore)
	printStatus("Nice to have", "%.1f", res.Breakdown.NiceToHaveScore)
	for _, s := range res.Strengths {
		printSuccess("%s", s)
	}
	for _, g := range res.Gaps {
		printWarning("gap: %s", g)
	}
	for _, r := range res.Recommendations {
		printStep("%s", r)
	}
}

// --- match ---

var matchCmd = &cobra.Command{
	Use:   "match <candidate-id> <job-variant-id>",
	Short: "Compute the fit between a candidate and a job variant",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/match", map[string]string{
			"candidate_id":   args[0],
			"job_variant_id": args[1],
		})
		if err != nil {
			return err
		}

		var res matchResponse
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		printMatch(res)
		return nil
	},
}

// --- candidates ---

var candidatesCmd = &cobra.Command{
	Use:   "candidates <job-variant-id>",
	Short: "List candidates matching a job variant, ranked by fit score",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		minFit, _ := cmd.Flags().GetFloat64("min-fit-score")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/jobs/%s/candidates?max_results=%d&min_fit_score=%g", args[0], limit, minFit)
		resp, err := client.get(path)
		if err != nil {
			return err
		}

		var results []matchResponse
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		if len(results) == 0 {
			printWarning("no matching candidates")
			return nil
		}
		for i, res := range results {
			fmt.Printf("%2d. %s  %.1f\n", i+1, res.CandidateID, res.FitScore)
		}
		return nil
	},
}

// --- apply ---

var applyCmd = &cobra.Command{
	Use:   "apply <candidate-id> <job-variant-id>",
	Short: "Create an application and queue its fit score calculation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/applications", map[string]string{
			"candidate_id":   args[0],
			"job_variant_id": args[1],
		})
		if err != nil {
			return err
		}

		var app struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &app); err != nil {
			return err
		}

		printSuccess("Application %s created, fit score queued", app.ID)
		return nil
	},
}

// --- explain ---

var explainCmd = &cobra.Command{
	Use:   "explain <application-id>",
	Short: "Show the match explanation for an application",
	Long: `Show the match explanation for an application.

Examples:
  matchd explain 4f1f7c2e-...
  matchd explain 4f1f7c2e-... --regenerate
  matchd explain 4f1f7c2e-... --delete`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		regenerate, _ := cmd.Flags().GetBool("regenerate")
		remove, _ := cmd.Flags().GetBool("delete")
		if regenerate && remove {
			return fmt.Errorf("--regenerate and --delete are mutually exclusive")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/applications/" + args[0] + "/explanation"

		if remove {
			resp, err := client.delete(path)
			if err != nil {
				return err
			}
			var status struct {
				Status string `json:"status"`
			}
			if err := decodeJSON(resp, &status); err != nil {
				return err
			}
			printSuccess("Explanation for application %s deleted", args[0])
			return nil
		}

		var resp *http.Response
		if regenerate {
			resp, err = client.post(path, nil)
		} else {
			resp, err = client.get(path)
		}
		if err != nil {
			return err
		}

		var exp struct {
			OverallScore    float64  `json:"overall_score"`
			MustHaveScore   float64  `json:"must_have_score"`
			ShouldHaveScore float64  `json:"should_have_score"`
			NiceToHaveScore float64  `json:"nice_to_have_score"`
			Strengths       []string `json:"strengths"`
			Gaps            []string `json:"gaps"`
			Recommendations []string `json:"recommendations"`
		}
		if err := decodeJSON(resp, &exp); err != nil {
			return err
		}

		printStatus("Overall", "%.1f", exp.OverallScore)
		printStatus("Must have", "%.1f", exp.MustHaveScore)
		printStatus("Should have", "%.1f", exp.ShouldHaveScore)
		printStatus("Nice to have", "%.1f", exp.NiceToHaveScore)
		printSection("Strengths", exp.Strengths)
		printSection("Gaps", exp.Gaps)
		printSection("Recommendations", exp.Recommendations)
		return nil
	},
}

func printSection(label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Println(colorize(colorBold, label+":"))
	for _, item := range items {
		fmt.Println("  - " + item)
	}
}

// --- recalculate ---

var recalculateCmd = &cobra.Command{
	Use:   "recalculate <job-variant-id>",
	Short: "Queue fit score recalculation for every application to a job variant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/jobs/"+args[0]+"/recalculate", nil)
		if err != nil {
			return err
		}

		var result struct {
			Jobs int `json:"jobs"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued %d fit score %s", result.Jobs, plural(result.Jobs, "job", "jobs"))
		return nil
	},
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func init() {
	matchCmd.Flags().Bool("json", false, "print the full match result as JSON")
	candidatesCmd.Flags().Int("limit", 10, "maximum number of candidates")
	candidatesCmd.Flags().Float64("min-fit-score", 0, "minimum fit score (0-100)")
	explainCmd.Flags().Bool("regenerate", false, "recompute the match and regenerate the explanation")
	explainCmd.Flags().Bool("delete", false, "delete the stored explanation")
}
