package pipeline

import (
	"regexp"
	"strings"
)

// DeployProvider describes the preview-deployment integration whose check
// suite carries the preview URL.
type DeployProvider struct {
	// AppSlug is the GitHub App slug of the deployment provider.
	AppSlug string
	// CheckNameFragment is the lowercase substring identifying the
	// preview check run within the provider's suite.
	CheckNameFragment string
	// URLPattern extracts the preview URL from a details link or from the
	// check-run output summary.
	URLPattern *regexp.Regexp
}

// DefaultDeployProvider returns the Netlify deploy-preview integration.
func DefaultDeployProvider() DeployProvider {
	return DeployProvider{
		AppSlug:           "netlify",
		CheckNameFragment: "deploy preview",
		URLPattern:        regexp.MustCompile(`https://deploy-preview-\d+--[a-z0-9-]+\.netlify\.app\S*`),
	}
}

// CheckSuite is a raw check suite for the head commit, as fetched.
type CheckSuite struct {
	ID         int64
	AppSlug    string
	Status     string
	Conclusion string
	HeadSHA    string
	CheckRuns  []CheckRun
}

// ResolveDeployment finds the deployment provider's check suite among the
// head-commit suites and extracts the preview URL from its check runs. A
// missing suite means the deployment has not been requested yet and yields
// nil, not an error.
func ResolveDeployment(suites []CheckSuite, provider DeployProvider) *DeploymentStatus {
	for _, suite := range suites {
		if suite.AppSlug != provider.AppSlug {
			continue
		}
		d := &DeploymentStatus{
			SuiteID:    suite.ID,
			Status:     suite.Status,
			Conclusion: suite.Conclusion,
			CheckRuns:  suite.CheckRuns,
		}
		d.PreviewURL = previewURL(suite.CheckRuns, provider)
		return d
	}
	return nil
}

// previewURL scans the suite's check runs for the preview check and pulls the
// first URL match, preferring the details link over the output summary.
func previewURL(runs []CheckRun, provider DeployProvider) string {
	for _, run := range runs {
		if !strings.Contains(strings.ToLower(run.Name), provider.CheckNameFragment) {
			continue
		}
		if provider.URLPattern.MatchString(run.DetailsURL) {
			return provider.URLPattern.FindString(run.DetailsURL)
		}
		if m := provider.URLPattern.FindString(run.Summary); m != "" {
			return strings.TrimRight(m, ").,")
		}
	}
	return ""
}
