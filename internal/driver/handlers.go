package driver

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/jward/codeintel/internal/database"
	"github.com/jward/codeintel/internal/eval"
	"github.com/jward/codeintel/internal/indexer"
	"github.com/jward/codeintel/internal/protocol"
	"github.com/jward/codeintel/internal/trigger"
)

// Response messages.
const (
	msgPreloadStart = "Pre-loading standard library data..."
	msgEvalTimeout  = "Evaluation timed out"
	msgUpgradeFail  = "Could not upgrade your Code Intelligence Database because: %s. " +
		"Your database will be backed up and a new empty database will be created."
)

// handler returns the handler for req.
func (d *Driver) handler(req protocol.Request) (Handler, error) {
	switch req.(type) {
	case *protocol.GetLanguages:
		return d.getLanguages, nil
	case *protocol.GetLanguageInfo:
		return d.getLanguageInfo, nil
	case *protocol.GetAvailableCatalogs:
		return d.getAvailableCatalogs, nil
	case *protocol.SetEnvironment:
		return d.setEnvironment, nil
	case *protocol.DatabaseInfo:
		return d.databaseInfo, nil
	case *protocol.DatabasePreload:
		return d.databasePreload, nil
	case *protocol.DatabaseUpgrade:
		return d.databaseUpgrade, nil
	case *protocol.DatabaseReset:
		return d.databaseReset, nil
	case *protocol.ScanDocument:
		return d.scanDocument, nil
	case *protocol.TrgFromPos:
		return d.trgFromPos, nil
	case *protocol.Eval:
		return d.eval, nil
	case *protocol.CalltipArgRange:
		return d.calltipArgRange, nil
	case *protocol.MemoryReport:
		return d.memoryReport, nil
	case *protocol.AddDirs:
		return d.addDirs, nil
	case *protocol.LoadExtension:
		return d.loadExtension, nil
	case *protocol.Quit:
		return d.quitCmd, nil
	case *protocol.Extension:
		if h, ok := d.extension(req.Name()); ok {
			return h, nil
		}
	}
	return nil, Failf("Don't know how to handle command %s", req.Name())
}

func (d *Driver) getLanguages(_ context.Context, req protocol.Request, resp *Responder) error {
	langs, err := d.engine.Languages(req.(*protocol.GetLanguages).Type)
	if err != nil {
		return Failf("%s", err)
	}
	resp.Success(protocol.Message{"languages": langs})
	return nil
}

func (d *Driver) getLanguageInfo(_ context.Context, req protocol.Request, resp *Responder) error {
	info, err := d.engine.LanguageInfo(req.(*protocol.GetLanguageInfo).Language)
	if err != nil {
		return Failf("%s", err)
	}
	resp.Success(protocol.Message{
		"completion-fillup-chars": info.FillupChars,
		"completion-stop-chars":   info.StopChars,
	})
	return nil
}

func (d *Driver) getAvailableCatalogs(_ context.Context, _ protocol.Request, resp *Responder) error {
	cats, err := d.engine.Catalogs()
	if err != nil {
		return err
	}
	list := make([]any, 0, len(cats))
	for _, c := range cats {
		list = append(list, map[string]any{
			"name":        c.Name,
			"lang":        c.Lang,
			"description": c.Description,
			"cix_path":    c.Path,
			"selection":   c.Selection,
		})
	}
	resp.Success(protocol.Message{"catalogs": list})
	return nil
}

func (d *Driver) setEnvironment(_ context.Context, req protocol.Request, resp *Responder) error {
	r := req.(*protocol.SetEnvironment)
	changed := d.engine.SetEnvironment(r.Env, r.HasEnv, r.Prefs, r.HasPrefs)
	if len(changed) > 0 {
		d.logger.Debug("preferences changed", "prefs", changed)
	}
	resp.Success(nil)
	return nil
}

func (d *Driver) databaseInfo(_ context.Context, _ protocol.Request, resp *Responder) error {
	state, detail := d.engine.DatabaseInfo()
	resp.Success(protocol.Message{"state": string(state), "state-detail": detail})
	return nil
}

func (d *Driver) databasePreload(ctx context.Context, req protocol.Request, resp *Responder) error {
	progress := func(p database.Progress) {
		resp.Progress(protocol.Message{"progress": p.Percent, "total": 100, protocol.KeyMessage: p.Message})
	}
	progress(database.Progress{Message: msgPreloadStart})
	if err := d.engine.Preload(ctx, req.(*protocol.DatabasePreload).Languages, progress); err != nil {
		return err
	}
	resp.Success(protocol.Message{"progress": 100, "total": 100, protocol.KeyMessage: database.PreloadDoneMessage})
	return nil
}

func (d *Driver) databaseUpgrade(ctx context.Context, _ protocol.Request, resp *Responder) error {
	if err := d.engine.Upgrade(ctx); err != nil {
		return Failf(msgUpgradeFail, err)
	}
	resp.Success(nil)
	return nil
}

func (d *Driver) databaseReset(ctx context.Context, req protocol.Request, resp *Responder) error {
	dir, err := d.engine.Reset(ctx, req.Raw().Bool("backup", true))
	if err != nil {
		return err
	}
	fields := protocol.Message{}
	if dir != "" {
		fields["backup_dir"] = dir
	}
	resp.Success(fields)
	return nil
}

// scanDocument answers once the scan is processed, so the worker moves
// on while the indexer runs.
func (d *Driver) scanDocument(_ context.Context, req protocol.Request, resp *Responder) error {
	r := req.(*protocol.ScanDocument)
	b, err := d.engine.Buffer(r.Buffer)
	if err != nil {
		return Failf("%s", err)
	}
	prio := indexer.PriorityCurrent
	if r.HasPriority {
		prio = indexer.Priority(r.Priority)
	}
	var mtime time.Time
	if r.HasMtime {
		sec, frac := math.Modf(r.Mtime)
		mtime = time.Unix(int64(sec), int64(frac*1e9))
	}
	d.engine.ScanDocument(b, prio, mtime, func(status indexer.Status, err error) {
		if err != nil {
			resp.Fail(err.Error(), nil)
			return
		}
		resp.Success(protocol.Message{"status": string(status)})
	})
	return nil
}

func (d *Driver) trgFromPos(_ context.Context, req protocol.Request, resp *Responder) error {
	r := req.(*protocol.TrgFromPos)
	b, err := d.engine.Buffer(r.Buffer)
	if err != nil {
		return Failf("%s", err)
	}
	var trg *trigger.Trigger
	switch {
	case r.HasCurrPos:
		trg, err = b.PrecedingTrgFromPos(r.Pos, r.CurrPos)
	case r.Type == "defn":
		trg = b.DefnTrgFromPos(r.Pos)
	default:
		trg, err = b.TrgFromPos(r.Pos, r.Implicit)
	}
	if err != nil {
		return Failf("%s", err)
	}
	if trg == nil {
		resp.Success(protocol.Message{"trg": nil})
		return nil
	}
	m := trg.ToMap()
	m["path"] = b.Path()
	resp.Success(protocol.Message{"trg": m})
	return nil
}

// eval starts the evaluation and returns; the result is sent when it
// finishes. Aborting the request aborts the evaluation.
func (d *Driver) eval(ctx context.Context, req protocol.Request, resp *Responder) error {
	r := req.(*protocol.Eval)
	trg, err := trigger.FromMap(r.Trg)
	if err != nil {
		return Failf("Invalid trigger: %s", err)
	}
	b, err := d.engine.Buffer(r.Buffer)
	if err != nil {
		return Failf("%s", err)
	}

	ctlr := eval.NewCtlr()
	ctlr.OnMessage = func(m eval.Message) {
		d.logger.Debug("eval", "level", string(m.Level), "msg", m.Text)
	}
	stop := context.AfterFunc(ctx, ctlr.Abort)
	_, err = b.AsyncEvalAtTrg(ctx, trg, ctlr, func(res *eval.Result) {
		stop()
		d.finishEval(resp, res)
	})
	if err != nil {
		stop()
		return err
	}
	return nil
}

func (d *Driver) finishEval(resp *Responder, res *eval.Result) {
	reason := eval.ReasonSuccess
	switch {
	case errors.Is(res.Err, eval.ErrAborted):
		// The abort request already answered.
		d.metrics.Evals.WithLabelValues(eval.ReasonAborted).Inc()
		resp.Fail("aborted", protocol.Message{"abort": true})
		return
	case errors.Is(res.Err, eval.ErrTimeout):
		reason = eval.ReasonTimeout
	case res.Err != nil:
		d.metrics.Evals.WithLabelValues(eval.ReasonError).Inc()
		resp.Fail(res.Err.Error(), nil)
		return
	}
	d.metrics.Evals.WithLabelValues(reason).Inc()

	fields := evalFields(res)
	if res.Trg != nil {
		fields["trg"] = res.Trg.ToMap()
	}
	switch {
	case reason == eval.ReasonTimeout:
		fields[protocol.KeyMessage] = msgEvalTimeout
	case res.Message != "":
		fields[protocol.KeyMessage] = res.Message
	}
	resp.Success(fields)
}

// evalFields renders a result in the shape of its trigger's form.
func evalFields(res *eval.Result) protocol.Message {
	form := trigger.FormCompletion
	if res.Trg != nil {
		form = res.Trg.Form
	}
	switch form {
	case trigger.FormCalltip:
		calltips := res.Calltips
		if calltips == nil {
			calltips = []string{}
		}
		var first any
		if len(calltips) > 0 {
			first = calltips[0]
		}
		return protocol.Message{"calltip": first, "calltips": calltips}
	case trigger.FormDefn:
		defns := make([]any, 0, len(res.Defns))
		for _, df := range res.Defns {
			defns = append(defns, map[string]any{
				"path":      df.Path,
				"lang":      df.Lang,
				"blob":      df.Blob,
				"name":      df.Name,
				"ilk":       df.Kind,
				"line":      df.Line,
				"lineend":   df.LineEnd,
				"signature": df.Signature,
				"doc":       df.Doc,
				"citdl":     df.Citdl,
				"lib":       df.Lib,
			})
		}
		return protocol.Message{"defns": defns}
	}
	cplns := make([]any, 0, len(res.Completions))
	for _, c := range res.Completions {
		cplns = append(cplns, []any{c.Kind, c.Name})
	}
	return protocol.Message{"cplns": cplns}
}

func (d *Driver) calltipArgRange(_ context.Context, req protocol.Request, resp *Responder) error {
	r := req.(*protocol.CalltipArgRange)
	b, err := d.engine.Buffer(r.Buffer)
	if err != nil {
		return Failf("%s", err)
	}
	start, end, err := b.CurrCalltipArgRange(r.TrgPos, r.Calltip, r.CurrPos)
	if err != nil {
		return Failf("%s", err)
	}
	resp.Success(protocol.Message{"start": start, "end": end})
	return nil
}

func (d *Driver) memoryReport(_ context.Context, _ protocol.Request, resp *Responder) error {
	report, err := d.engine.MemoryReport()
	if err != nil {
		return err
	}
	resp.Success(protocol.Message{"memory": report})
	return nil
}

func (d *Driver) addDirs(_ context.Context, req protocol.Request, resp *Responder) error {
	r := req.(*protocol.AddDirs)
	n, err := d.engine.AddDirs(r.Dirs, r.Language)
	if err != nil {
		return Failf("%s", err)
	}
	resp.Success(protocol.Message{"queued": n})
	return nil
}

func (d *Driver) loadExtension(_ context.Context, req protocol.Request, resp *Responder) error {
	names, err := d.LoadExtensions(req.(*protocol.LoadExtension).Path)
	if err != nil {
		return Failf("%s", err)
	}
	resp.Success(protocol.Message{"commands": names})
	return nil
}

func (d *Driver) quitCmd(_ context.Context, _ protocol.Request, resp *Responder) error {
	resp.Success(protocol.Message{protocol.KeyCommand: protocol.CmdQuit})
	d.stop()
	return nil
}
