package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"sub2mcp/internal/dispatch"
	"sub2mcp/internal/document"
	"sub2mcp/internal/mcp"
	"sub2mcp/internal/media"
	"sub2mcp/internal/options"
	"sub2mcp/internal/store"
	"sub2mcp/internal/stt"
	"sub2mcp/internal/subformat"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the MCP server hosting a subtitle session",
	RunE:  runUp,
}

var (
	upListen     string
	upMCPPath    string
	upFile       string
	upAudio      string
	upRecover    bool
	upAutosaveDB string
)

func init() {
	upCmd.Flags().StringVar(&upListen, "listen", "", "host:port to listen on (default from options)")
	upCmd.Flags().StringVar(&upMCPPath, "mcp-path", "", "HTTP path for the MCP endpoint")
	upCmd.Flags().StringVar(&upFile, "file", "", "ASS subtitle file to open")
	upCmd.Flags().StringVar(&upAudio, "audio", "", "WAV audio file to load")
	upCmd.Flags().BoolVar(&upRecover, "recover", false, "restore the latest autosave snapshot")
	upCmd.Flags().StringVar(&upAutosaveDB, "autosave-db", "sub2mcp_autosave.db", "autosave snapshot database path")
}

func runUp(cmd *cobra.Command, _ []string) error {
	st := newStyles(os.Stdout)

	opts, err := options.Open(globalFlags.ConfigPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, st.errPrefix(), err)
		os.Exit(2)
	}

	// Flag overrides ride the env layer, which outranks the options file.
	if cmd.Flags().Changed("listen") {
		if err := os.Setenv(options.EnvVarFor("server/listen"), upListen); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("mcp-path") {
		if err := os.Setenv(options.EnvVarFor("server/mcp_path"), upMCPPath); err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	doc := document.New()
	queue := dispatch.New(64)
	sess := &mcp.Session{Doc: doc, Queue: queue, Opts: opts}

	client := stt.NewClient(opts)
	sess.STT = stt.NewService(doc, queue, opts, client, func() media.AudioSource { return sess.Audio })

	go queue.Run(ctx)

	snapStore := store.NewSnapshotStore(upAutosaveDB)
	defer snapStore.Close()
	if err := snapStore.Init(ctx); err != nil {
		fmt.Fprintln(os.Stderr, st.errPrefix(), "autosave store init:", err)
		os.Exit(5)
	}

	switch {
	case upRecover:
		snap, err := snapStore.Latest(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, st.errPrefix(), "no autosave snapshot to recover:", err)
			os.Exit(5)
		}
		err = queue.Sync(func() error {
			if err := subformat.LoadASS(strings.NewReader(snap.Payload), doc); err != nil {
				return err
			}
			sess.STT.LoadFromExtradata()
			return nil
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, st.errPrefix(), "recover failed:", err)
			os.Exit(5)
		}
		if !globalFlags.Quiet {
			fmt.Println(st.dim(fmt.Sprintf("Recovered autosave snapshot %d (%s)", snap.ID, snap.Description)))
		}

	case upFile != "":
		f, err := os.Open(upFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, st.errPrefix(), "cannot open subtitle file:", err)
			os.Exit(3)
		}
		err = queue.Sync(func() error {
			defer f.Close()
			if err := subformat.LoadASS(f, doc); err != nil {
				return err
			}
			doc.Filename = upFile
			sess.STT.LoadFromExtradata()
			return nil
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, st.errPrefix(), "cannot parse subtitle file:", err)
			os.Exit(3)
		}
	}

	if upAudio != "" {
		src, err := media.LoadWAV(upAudio)
		if err != nil {
			fmt.Fprintln(os.Stderr, st.errPrefix(), "cannot load audio:", err)
			os.Exit(3)
		}
		if err := queue.Sync(func() error {
			sess.Audio = src
			sess.AudioFile = upAudio
			return nil
		}); err != nil {
			return err
		}
	}

	rec := store.NewRecorder(snapStore, doc, queue, opts)
	rec.Attach()

	server := mcp.NewServer(sess)

	if !globalFlags.Quiet {
		fmt.Println(st.banner())
		fmt.Println(st.kv("Endpoint", st.url("http://"+server.Addr()+opts.GetString("server/mcp_path"))))
		fmt.Println(st.kv("Health", st.url("http://"+server.Addr()+"/health")))
		if upFile != "" {
			fmt.Println(st.kv("Subtitles", upFile))
		}
		if upAudio != "" {
			fmt.Println(st.kv("Audio", upAudio))
		}
		fmt.Println(st.kv("Autosave", upAutosaveDB))
		fmt.Println()
	}

	return server.Serve(ctx)
}
