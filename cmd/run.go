package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Cxiyuan/NTA/config"
	"github.com/Cxiyuan/NTA/pipeline"
	"github.com/Cxiyuan/NTA/sink"
	"github.com/Cxiyuan/NTA/util"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

var ErrMissingLogInput = errors.New("a log file is required, or logs must be piped on stdin")

var RunCommand = &cli.Command{
	Name:      "run",
	Usage:     "analyze zeek json logs for lateral movement",
	UsageText: "run [--logs FILE] [--alerts FILE] [--config FILE]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "logs",
			Aliases:  []string{"l"},
			Usage:    "path to a newline-delimited json log `FILE`; reads stdin when omitted",
			Required: false,
			Action: func(_ *cli.Context, path string) error {
				return ValidateLogFile(afero.NewOsFs(), path)
			},
		},
		&cli.StringFlag{
			Name:     "alerts",
			Aliases:  []string{"o"},
			Usage:    "append alerts as json lines to `FILE` instead of emitting them through the logger",
			Required: false,
		},
		ConfigFlag(false),
	},
	Action: func(cCtx *cli.Context) error {
		// check if too many arguments were provided
		if cCtx.NArg() > 0 {
			return ErrTooManyArguments
		}

		afs := afero.NewOsFs()

		// load config file
		cfg, err := config.LoadConfig(afs, cCtx.String("config"))
		if err != nil {
			return err
		}

		input, closeInput, err := openLogInput(afs, cCtx.String("logs"))
		if err != nil {
			return err
		}
		defer closeInput()

		var forwarder sink.Forwarder = sink.LogForwarder{}
		if path := cCtx.String("alerts"); path != "" {
			forwarder = sink.NewFileForwarder(afs, path)
		}

		startTime := time.Now()

		summary, err := RunAnalyzeCommand(cCtx.Context, cfg, afs, input, forwarder)
		if err != nil {
			return err
		}

		fmt.Println(summary)
		fmt.Printf("elapsed: %s\n", time.Since(startTime).Round(time.Millisecond))

		return nil
	},
}

// RunAnalyzeCommand drives one pipeline run over the given log stream and
// returns the closing summary
func RunAnalyzeCommand(ctx context.Context, cfg *config.Config, afs afero.Fs, input io.Reader, forwarder sink.Forwarder) (string, error) {
	p, err := pipeline.NewPipeline(cfg, afs, forwarder, clockwork.NewRealClock())
	if err != nil {
		return "", err
	}

	if err := p.Run(ctx, input); err != nil {
		return "", err
	}

	return p.Stats().Summary(p.Classifier()), nil
}

// openLogInput returns the log stream for a run: the named file when a path
// was given, stdin when data is being piped in
func openLogInput(afs afero.Fs, path string) (io.Reader, func(), error) {
	if path == "" {
		info, err := os.Stdin.Stat()
		if err != nil {
			return nil, nil, err
		}
		if info.Mode()&os.ModeCharDevice != 0 {
			return nil, nil, ErrMissingLogInput
		}
		return os.Stdin, func() {}, nil
	}

	file, err := afs.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return file, func() { file.Close() }, nil
}

func ValidateLogFile(afs afero.Fs, path string) error {
	// get relative file path
	if _, err := util.ParseRelativePath(path); err != nil {
		return err
	}

	// validate file path
	if err := util.ValidateFile(afs, path); err != nil {
		return err
	}

	return nil
}
