package main

import (
	"bufio"
	"context"
	"errors"
	"feedformula/internal/core"
	"feedformula/pkg/domain"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

var errQuit = errors.New("quit")

// session holds the interactive state: the selected stage and the core
// components it drives.
type session struct {
	svc     *core.Service
	history *core.History
	restore *core.RestoreWorkflow
	stage   domain.StageID
	kilos   kilogramSetter
	out     io.Writer
	now     func() time.Time
}

// kilogramSetter is implemented by backends that accept operator-entered
// kilograms. The remote API owns that figure, so only the in-process backend
// offers it.
type kilogramSetter interface {
	SetCustomKilograms(ctx context.Context, id domain.LineID, kg decimal.Decimal) (domain.RecipeLine, error)
}

type command struct {
	usage string
	help  string
	run   func(s *session, ctx context.Context, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"help":     {"help", "list commands", (*session).cmdHelp},
		"stages":   {"stages", "list stages with their totals", (*session).cmdStages},
		"stage":    {"stage <id>", "select the working stage", (*session).cmdStage},
		"products": {"products", "list products not yet in the stage", (*session).cmdProducts},
		"lines":    {"lines", "list the stage recipe", (*session).cmdLines},
		"totals":   {"totals", "show stage totals", (*session).cmdTotals},
		"add":      {"add <product> <pct> [<product> <pct>...]", "add one or more ingredients", (*session).cmdAdd},
		"edit":     {"edit <line> <pct>", "change an ingredient percentage", (*session).cmdEdit},
		"remove":   {"remove <line>", "remove an ingredient", (*session).cmdRemove},
		"capacity": {"capacity [kg]", "show or set the stage capacity", (*session).cmdCapacity},
		"kilos":    {"kilos <line> <kg>", "record custom kilograms on a line (in-process backend only)", (*session).cmdKilos},
		"reload":   {"reload", "refetch every line from the backend", (*session).cmdReload},
		"history":  {"history [from [to]]", "list ingredient changes between two dates (YYYY-MM-DD, default today)", (*session).cmdHistory},
		"inspect":  {"inspect <snapshot>", "show a historical snapshot", (*session).cmdInspect},
		"diff":     {"diff <snapshot>", "preview what restoring a snapshot would change", (*session).cmdDiff},
		"restore":  {"restore <snapshot>", "request a restore; follow with confirm or cancel", (*session).cmdRestore},
		"confirm":  {"confirm", "run the pending restore", (*session).cmdConfirm},
		"cancel":   {"cancel", "drop the pending restore", (*session).cmdCancel},
		"export":   {"export [all]", "export every stage; 'all' gates on every stage", (*session).cmdExport},
		"quit":     {"quit", "leave the session", func(*session, context.Context, []string) error { return errQuit }},
	}
	commands["exit"] = commands["quit"]
}

// loop reads commands from in until EOF or quit. Command errors are reported
// and the loop continues.
func (s *session) loop(ctx context.Context, in io.Reader, errOut io.Writer) {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprintf(s.out, "feedctl[%d]> ", s.stage)
		if !sc.Scan() {
			fmt.Fprintln(s.out)
			return
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		err := s.exec(ctx, fields)
		if errors.Is(err, errQuit) {
			return
		}
		if err != nil {
			fmt.Fprintf(errOut, "error: %v\n", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *session) exec(ctx context.Context, fields []string) error {
	cmd, ok := commands[strings.ToLower(fields[0])]
	if !ok {
		return fmt.Errorf("unknown command %q (try help)", fields[0])
	}
	return cmd.run(s, ctx, fields[1:])
}

func (s *session) selectStage(id domain.StageID) error {
	if _, ok := s.svc.Stage(id); !ok {
		return fmt.Errorf("unknown stage %d", id)
	}
	s.stage = id
	return nil
}

func (s *session) table() *tabwriter.Writer {
	return tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
}

func (s *session) cmdHelp(context.Context, []string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		if name != "exit" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	w := s.table()
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%s\n", commands[name].usage, commands[name].help)
	}
	return w.Flush()
}

func (s *session) cmdStages(context.Context, []string) error {
	w := s.table()
	fmt.Fprintln(w, "ID\tSTAGE\tWEEKS\tTOTAL %\tACTIONS")
	for _, st := range s.svc.Stages() {
		weeks := ""
		if st.EndWeek > 0 {
			weeks = fmt.Sprintf("%d-%d", st.StartWeek, st.EndWeek)
		}
		marker := ""
		if st.ID == s.stage {
			marker = "*"
		}
		fmt.Fprintf(w, "%d%s\t%s\t%s\t%s\t%s\n", st.ID, marker, st.Name, weeks,
			fixed(s.svc.Totals(st.ID).TotalPercentage), gate(s.svc.ActionsAllowed(st.ID)))
	}
	return w.Flush()
}

func (s *session) cmdStage(_ context.Context, args []string) error {
	if len(args) != 1 {
		return usageError("stage")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("stage id %q: %w", args[0], err)
	}
	if err := s.selectStage(domain.StageID(id)); err != nil {
		return err
	}
	st, _ := s.svc.Stage(s.stage)
	fmt.Fprintf(s.out, "stage %d (%s) selected\n", st.ID, st.Name)
	return nil
}

func (s *session) cmdProducts(ctx context.Context, _ []string) error {
	products, err := s.svc.AvailableProducts(ctx, s.stage)
	if err != nil {
		return err
	}
	w := s.table()
	fmt.Fprintln(w, "ID\tPRODUCT\tCATEGORY\tPRICE/KG")
	for _, p := range products {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", p.ID, p.Name, p.Category, fixed(p.PricePerKilo))
	}
	return w.Flush()
}

func (s *session) cmdLines(context.Context, []string) error {
	w := s.table()
	fmt.Fprintln(w, "LINE\tPRODUCT\t%\tKG\tCUSTOM KG\tCOST\tCOST+VAT")
	for _, l := range s.svc.Lines(s.stage) {
		custom := "-"
		if l.CustomKilograms != nil {
			custom = fixed(*l.CustomKilograms)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", l.ID, l.ProductName, fixed(l.Percentage),
			fixed(l.Kilograms()), custom, fixed(l.CostWithoutTax), fixed(l.CostWithTax))
	}
	return w.Flush()
}

func (s *session) cmdTotals(context.Context, []string) error {
	t := s.svc.Totals(s.stage)
	w := s.table()
	fmt.Fprintf(w, "percentage\t%s\n", fixed(t.TotalPercentage))
	fmt.Fprintf(w, "kilograms\t%s\n", fixed(t.TotalKilograms))
	fmt.Fprintf(w, "custom kilograms\t%s\n", fixed(t.TotalCustomKilograms))
	fmt.Fprintf(w, "cost\t%s\n", fixed(t.TotalCostWithoutTax))
	fmt.Fprintf(w, "cost with VAT\t%s\n", fixed(t.TotalCostWithTax))
	if !t.CapacityKilograms.IsZero() {
		fmt.Fprintf(w, "capacity kg\t%s\n", fixed(t.CapacityKilograms))
	}
	fmt.Fprintf(w, "actions\t%s\n", gate(domain.ActionsAllowed(t)))
	return w.Flush()
}

func (s *session) cmdAdd(ctx context.Context, args []string) error {
	if len(args) == 0 || len(args)%2 != 0 {
		return usageError("add")
	}
	inputs := make([]core.LineInput, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		id, err := strconv.ParseInt(args[i], 10, 64)
		if err != nil {
			return fmt.Errorf("product id %q: %w", args[i], err)
		}
		pct, err := parsePercentage(args[i+1])
		if err != nil {
			return err
		}
		inputs = append(inputs, core.LineInput{ProductID: domain.ProductID(id), Percentage: pct})
	}
	var created []domain.RecipeLine
	if len(inputs) == 1 {
		line, err := s.svc.AddLine(ctx, s.stage, inputs[0].ProductID, inputs[0].Percentage)
		if err != nil {
			return err
		}
		created = append(created, line)
	} else {
		lines, err := s.svc.AddLines(ctx, s.stage, inputs)
		if err != nil {
			return err
		}
		created = lines
	}
	for _, l := range created {
		fmt.Fprintf(s.out, "added line %d: %s %s%%\n", l.ID, l.ProductName, fixed(l.Percentage))
	}
	return nil
}

func (s *session) cmdEdit(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return usageError("edit")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("line id %q: %w", args[0], err)
	}
	pct, err := parsePercentage(args[1])
	if err != nil {
		return err
	}
	line, err := s.svc.UpdateLine(ctx, domain.LineID(id), pct)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "updated line %d: %s %s%%\n", line.ID, line.ProductName, fixed(line.Percentage))
	return nil
}

func (s *session) cmdRemove(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usageError("remove")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("line id %q: %w", args[0], err)
	}
	if err := s.svc.RemoveLine(ctx, domain.LineID(id)); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "removed line %d\n", id)
	return nil
}

func (s *session) cmdCapacity(ctx context.Context, args []string) error {
	switch len(args) {
	case 0:
		if kg, ok := s.svc.Capacity(s.stage); ok {
			fmt.Fprintf(s.out, "capacity %s kg\n", fixed(kg))
		} else {
			fmt.Fprintf(s.out, "no custom capacity; batch %s kg\n", fixed(s.svc.CapacityOrDefault(s.stage)))
		}
		return nil
	case 1:
		kg, err := decimal.NewFromString(args[0])
		if err != nil {
			return fmt.Errorf("kilograms %q: %w", args[0], err)
		}
		if err := s.svc.SetCapacity(ctx, s.stage, kg); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "capacity set to %s kg\n", fixed(kg))
		return nil
	}
	return usageError("capacity")
}

func (s *session) cmdKilos(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return usageError("kilos")
	}
	if s.kilos == nil {
		return errors.New("custom kilograms are managed by the remote api")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("line id %q: %w", args[0], err)
	}
	kg, err := decimal.NewFromString(args[1])
	if err != nil {
		return fmt.Errorf("kilograms %q: %w", args[1], err)
	}
	if domain.LineID(id).Local() {
		return fmt.Errorf("line %d is not confirmed by the backend yet; run reload", id)
	}
	if _, err := s.kilos.SetCustomKilograms(ctx, domain.LineID(id), kg); err != nil {
		return err
	}
	if err := s.svc.Reload(ctx); err != nil {
		return err
	}
	for _, l := range s.svc.Lines(domain.AllStages) {
		if l.ID == domain.LineID(id) && l.CustomKilograms != nil {
			fmt.Fprintf(s.out, "line %d: %s custom %s kg\n", l.ID, l.ProductName, fixed(*l.CustomKilograms))
			return nil
		}
	}
	return fmt.Errorf("line %d vanished after reload", id)
}

func (s *session) cmdReload(ctx context.Context, _ []string) error {
	if err := s.svc.Reload(ctx); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "reloaded %d lines\n", len(s.svc.Lines(domain.AllStages)))
	return nil
}

func (s *session) cmdHistory(ctx context.Context, args []string) error {
	if len(args) > 2 {
		return usageError("history")
	}
	today := s.now().UTC().Format(dateLayout)
	bounds := []string{today, today}
	copy(bounds, args)
	from, err := time.ParseInLocation(dateLayout, bounds[0], time.UTC)
	if err != nil {
		return fmt.Errorf("from date: %w", err)
	}
	to, err := time.ParseInLocation(dateLayout, bounds[1], time.UTC)
	if err != nil {
		return fmt.Errorf("to date: %w", err)
	}
	records, err := s.history.Changes(ctx, s.stage, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(s.out, "no changes")
		return nil
	}
	s.printChanges(records)
	return nil
}

func (s *session) printChanges(records []domain.IngredientChangeRecord) {
	w := s.table()
	fmt.Fprintln(w, "SNAPSHOT\tWHEN\tPRODUCT\tCHANGE")
	for _, r := range records {
		name := "?"
		if r.ModifiedProduct != nil {
			name = r.ModifiedProduct.Name
		}
		when := ""
		if !r.CreatedAt.IsZero() {
			when = r.CreatedAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.SnapshotID, when, name, describeChange(r))
	}
	_ = w.Flush()
}

func describeChange(r domain.IngredientChangeRecord) string {
	switch {
	case r.Introduced():
		return "added at " + fixed(r.PercentageAfter) + "%"
	case r.Removed():
		return "removed (was " + fixed(*r.PercentageBefore) + "%)"
	default:
		return fixed(*r.PercentageBefore) + "% -> " + fixed(r.PercentageAfter) + "%"
	}
}

func parseSnapshotID(args []string, name string) (domain.SnapshotID, error) {
	if len(args) != 1 {
		return 0, usageError(name)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("snapshot id %q: %w", args[0], err)
	}
	return domain.SnapshotID(id), nil
}

func (s *session) cmdInspect(ctx context.Context, args []string) error {
	id, err := parseSnapshotID(args, "inspect")
	if err != nil {
		return err
	}
	snap, err := s.restore.Inspect(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "snapshot %d of stage %d (%s) at %s, total %s%%\n", snap.ID, snap.StageID, snap.StageName,
		snap.CapturedAt.Format("2006-01-02 15:04"), fixed(snap.TotalPercentage))
	w := s.table()
	fmt.Fprintln(w, "PRODUCT\t%\tCOST\tCOST+VAT")
	for _, ing := range snap.Ingredients {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ing.ProductName, fixed(ing.Percentage), fixed(ing.CostWithoutTax), fixed(ing.CostWithTax))
	}
	return w.Flush()
}

func (s *session) cmdDiff(ctx context.Context, args []string) error {
	id, err := parseSnapshotID(args, "diff")
	if err != nil {
		return err
	}
	records, err := s.history.CompareWithCurrent(ctx, id)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(s.out, "snapshot matches the current recipe")
		return nil
	}
	s.printChanges(records)
	return nil
}

func (s *session) cmdRestore(ctx context.Context, args []string) error {
	id, err := parseSnapshotID(args, "restore")
	if err != nil {
		return err
	}
	if err := s.restore.Request(ctx, s.stage, id); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "restore of snapshot %d pending for stage %d; type confirm or cancel\n", id, s.stage)
	return nil
}

func (s *session) cmdConfirm(ctx context.Context, _ []string) error {
	report, err := s.restore.Confirm(ctx, s.stage)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "restored snapshot %d into stage %d: %d lines, %s%% (operation %s)\n",
		report.SnapshotID, report.Stage, len(report.Lines), fixed(report.Totals.TotalPercentage), report.OperationID)
	return nil
}

func (s *session) cmdCancel(context.Context, []string) error {
	if err := s.restore.Cancel(s.stage); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "restore cancelled")
	return nil
}

func (s *session) cmdExport(ctx context.Context, args []string) error {
	scope := s.stage
	switch {
	case len(args) == 1 && strings.EqualFold(args[0], "all"):
		scope = domain.AllStages
	case len(args) != 0:
		return usageError("export")
	}
	artifact, err := s.svc.Export(ctx, scope)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "exported %s (%d bytes)\n", artifact.Key, artifact.SizeBytes)
	if artifact.URL != "" {
		fmt.Fprintf(s.out, "download: %s\n", artifact.URL)
	}
	return nil
}

func parsePercentage(raw string) (decimal.Decimal, error) {
	pct, err := decimal.NewFromString(strings.TrimSuffix(raw, "%"))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("percentage %q: %w", raw, err)
	}
	return pct, nil
}

func usageError(name string) error {
	return fmt.Errorf("usage: %s", commands[name].usage)
}

func fixed(d decimal.Decimal) string { return d.StringFixed(2) }

func gate(open bool) string {
	if open {
		return "open"
	}
	return "closed"
}
