package probes

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/probeworks/cassprobe/internal/cluster"
	"github.com/probeworks/cassprobe/internal/driver"
)

// DefaultStatement is the test query used when none is configured.
const DefaultStatement = "SELECT release_version FROM system.local"

// CQLProbe executes the configured test statement through the shared
// session. Only SELECT, INSERT and UPDATE statements are accepted; anything
// else is rejected before it reaches the driver.
type CQLProbe struct{}

// NewCQLProbe returns a CQL query probe.
func NewCQLProbe() *CQLProbe { return &CQLProbe{} }

func (p *CQLProbe) Type() Type { return TypeCQL }

func (p *CQLProbe) Execute(ctx context.Context, host cluster.Host, pc *Context) Result {
	start := time.Now()

	stmt := pc.Statement
	if stmt == "" {
		stmt = DefaultStatement
	}

	if !validStatement(stmt) {
		return fail(host, TypeCQL, start,
			"Invalid query type: only SELECT, INSERT, and UPDATE statements are allowed", nil)
	}

	query := driver.Query{
		Statement:   stmt,
		Consistency: pc.Consistency,
		Timeout:     pc.QueryTimeout,
		Tracing:     pc.Tracing,
	}

	var res *driver.Result
	var err error
	if pc.Executor != nil {
		res, err = pc.Executor.ExecuteQuery(ctx, query)
	} else {
		var sess driver.Session
		sess, err = pc.Sessions.Session(ctx)
		if err == nil {
			res, err = sess.Execute(ctx, query)
		}
	}
	if err != nil {
		return fail(host, TypeCQL, start, queryErrorMessage(err), nil)
	}

	meta := map[string]string{
		"RowCount":    strconv.Itoa(res.RowCount),
		"Consistency": pc.Consistency.String(),
	}
	if res.TraceID != "" {
		meta["TraceID"] = res.TraceID
	}
	if res.Coordinator != "" {
		meta["Coordinator"] = res.Coordinator
	}
	return succeed(host, TypeCQL, start, meta)
}

func validStatement(stmt string) bool {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "INSERT", "UPDATE":
		return true
	default:
		return false
	}
}

// queryErrorMessage maps known driver failures onto specific messages;
// everything else collapses to a generic query error.
func queryErrorMessage(err error) string {
	switch driver.Classify(err) {
	case driver.KindAuthentication:
		return fmt.Sprintf("authentication failed: %v", err)
	case driver.KindAuthorization:
		return fmt.Sprintf("not authorized: %v", err)
	case driver.KindSyntax:
		return fmt.Sprintf("invalid query syntax: %v", err)
	case driver.KindTimeout:
		return fmt.Sprintf("query timed out: %v", err)
	case driver.KindNoHosts:
		return fmt.Sprintf("no hosts available: %v", err)
	default:
		return fmt.Sprintf("query error: %v", err)
	}
}
