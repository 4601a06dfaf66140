// autopilot-token mints bearer tokens for local development and ops tooling.
// The secret must match the server's AUTOPILOT_AUTH_SECRET.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/kilnworks/autopilot/internal/auth"
	"github.com/kilnworks/autopilot/internal/capability"
)

func main() {
	secret := flag.String("secret", os.Getenv("AUTOPILOT_AUTH_SECRET"), "HMAC signing secret")
	subject := flag.String("sub", "dev-operator", "actor id (sub claim)")
	actorType := flag.String("type", "human", "actor type: agent|human|service")
	tenant := flag.String("tenant", "dev", "tenant id")
	scopes := flag.String("scopes", "reservations:write,billing:write,kiln:write", "comma separated scopes")
	staff := flag.Bool("staff", false, "grant the staff role")
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "error: -secret or AUTOPILOT_AUTH_SECRET required")
		os.Exit(2)
	}

	var scopeList []string
	for _, s := range strings.Split(*scopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopeList = append(scopeList, s)
		}
	}

	token, err := auth.IssueToken(*secret, capability.Actor{
		ID:       *subject,
		Type:     *actorType,
		TenantID: *tenant,
		Scopes:   scopeList,
		Staff:    *staff,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	fmt.Println(token)
}
