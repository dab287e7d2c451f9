// ABOUTME: Package documentation for the risk and auto-approval rule table
// ABOUTME: Describes the TOML rule format and evaluation order

/*
Package rules implements the explicit rule table that classifies
authorization requests by risk and decides auto-approval eligibility.

Rules live in a TOML file and are evaluated in file order; the first rule
whose request type and command pattern both match wins. A rule with no
request_type applies to every request type. A request matching
no rule gets the table's default risk and is never auto-approved. Critical
risk is a hard floor: a critical classification disables auto-approval no
matter what the matching rule says.

Example rules file:

	default_risk = "high"

	[[rule]]
	request_type = "bash_command"
	pattern = '^(ls|cat|pwd|echo)\b'
	risk = "low"
	auto_approve = true

	[[rule]]
	request_type = "bash_command"
	pattern = 'rm\s+-rf|mkfs|dd\s+if='
	risk = "critical"

The table reloads itself when the file changes (fsnotify); a reload that
fails to parse keeps the previous table and logs the error.
*/
package rules
