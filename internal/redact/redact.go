package redact

import (
	"fmt"
	"log"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync/atomic"
)

var (
	authHeaderRe  = regexp.MustCompile(`(?i)(authorization\s*[:=]\s*bearer\s+)([A-Za-z0-9._\-+/=]+)`)
	bearerRe      = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9._\-+/=]+)`)
	tokenishKeyRe = regexp.MustCompile(`(?i)(api[_-]?key|key|token|secret)\s*[:=]\s*([A-Za-z0-9._\-+/=]{6,})`)
	urlRe         = regexp.MustCompile(`https?://[^\s"'<>]+`)
	emailRe       = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	patientFldRe  = regexp.MustCompile(`(?i)(patient[_ -]?(?:id|name)\s*[:=]\s*)("[^"]*"|\S+)`)
	adniSubjectRe = regexp.MustCompile(`\b\d{3}_S_\d{4}\b`)
	bidsSubjectRe = regexp.MustCompile(`\bsub-[A-Za-z0-9]+\b`)
	// <uuid>_<original upload name>.<ext>
	uploadNameRe = regexp.MustCompile(`([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})_[^\s/"']+\.(?i:png|jpe?g|bmp|tiff?|gif|wav|dcm|nii(?:\.gz)?)`)
)

var filenames atomic.Bool

func init() { filenames.Store(true) }

// SetFilenames toggles scrubbing of original upload filenames. Clinicians
// often name scans after the patient.
func SetFilenames(on bool) { filenames.Store(on) }

// String redacts secrets and patient identifiers from free-form strings.
func String(s string) string {
	if s == "" {
		return s
	}

	out := s
	out = authHeaderRe.ReplaceAllString(out, "${1}[REDACTED]")
	out = bearerRe.ReplaceAllString(out, "${1}[REDACTED]")
	out = tokenishKeyRe.ReplaceAllStringFunc(out, func(s string) string {
		if strings.Contains(s, "[REDACTED]") {
			return s
		}
		matches := tokenishKeyRe.FindStringSubmatch(s)
		if len(matches) < 3 {
			return s
		}
		return matches[1] + "=[REDACTED]"
	})
	out = patientFldRe.ReplaceAllString(out, "${1}[REDACTED]")
	out = emailRe.ReplaceAllString(out, "[REDACTED_EMAIL]")
	out = adniSubjectRe.ReplaceAllString(out, "[REDACTED_SUBJECT]")
	out = bidsSubjectRe.ReplaceAllString(out, "sub-[REDACTED]")
	if filenames.Load() {
		out = uploadNameRe.ReplaceAllString(out, "${1}_[REDACTED_FILE]")
	}
	out = urlRe.ReplaceAllStringFunc(out, redactURL)
	for strings.Contains(out, "[REDACTED][REDACTED]") {
		out = strings.ReplaceAll(out, "[REDACTED][REDACTED]", "[REDACTED]")
	}
	return out
}

// Any formats the value with %+v and redacts it.
func Any(v any) string {
	return String(fmt.Sprintf("%+v", v))
}

// Sprintf formats like fmt.Sprintf and redacts the result.
func Sprintf(format string, args ...interface{}) string {
	return String(fmt.Sprintf(format, args...))
}

// Logf prints a redacted log line.
func Logf(format string, args ...interface{}) {
	log.Print(Sprintf(format, args...))
}

// Fatalf prints a redacted fatal log line.
func Fatalf(format string, args ...interface{}) {
	log.Fatal(Sprintf(format, args...))
}

func redactURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "[REDACTED_URL]"
	}

	host := u.Host
	if strings.HasSuffix(trimmed, "/") {
		return fmt.Sprintf("%s://%s/[REDACTED_PATH]", u.Scheme, host)
	}

	base := path.Base(strings.TrimSuffix(u.Path, "/"))
	if base == "." || base == "/" || base == "" {
		return fmt.Sprintf("%s://%s/[REDACTED_PATH]", u.Scheme, host)
	}
	return fmt.Sprintf("%s://%s/%s", u.Scheme, host, base)
}
