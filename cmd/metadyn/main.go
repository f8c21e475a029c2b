package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"

	"github.com/PolyachenkoYA/metadyn/internal/colvar"
	"github.com/PolyachenkoYA/metadyn/internal/config"
	"github.com/PolyachenkoYA/metadyn/internal/grid"
	"github.com/PolyachenkoYA/metadyn/internal/meta"
	"github.com/PolyachenkoYA/metadyn/internal/physics"
	"github.com/PolyachenkoYA/metadyn/internal/proxy"
)

var (
	configFile string
	workDir    string
	steps      int64
	dt         float64
	gamma      float64
	kb         float64
	temp       float64
	seed       int64
	plotPMF    bool
	registry   string
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "metadyn",
		Short: "metadynamics biasing engine",
	}
	rootCmd.PersistentFlags().StringVar(&workDir, "dir", ".", "working directory for output files")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run a biased Langevin double-well simulation",
		RunE:  runSimulation,
	}
	runCmd.Flags().StringVar(&configFile, "config", "metadyn.yaml", "bias config file (yaml)")
	runCmd.Flags().Int64Var(&steps, "steps", 100000, "number of steps")
	runCmd.Flags().Float64Var(&dt, "dt", 0.002, "timestep")
	runCmd.Flags().Float64Var(&gamma, "gamma", 1.0, "friction coefficient")
	runCmd.Flags().Float64Var(&kb, "kb", 1.0, "Boltzmann constant (unit system)")
	runCmd.Flags().Float64Var(&temp, "temp", 1.0, "thermostat temperature")
	runCmd.Flags().Int64Var(&seed, "seed", 42, "random seed")

	pmfCmd := &cobra.Command{
		Use:   "pmf <state-file>",
		Short: "recover the free-energy estimate from a state file",
		Args:  cobra.ExactArgs(1),
		RunE:  dumpPMF,
	}
	pmfCmd.Flags().StringVar(&configFile, "config", "metadyn.yaml", "bias config file (yaml)")
	pmfCmd.Flags().BoolVar(&plotPMF, "plot", false, "plot a one-dimensional PMF in the terminal")

	peersCmd := &cobra.Command{
		Use:   "peers",
		Short: "report the replicas found in a registry file",
		RunE:  listPeers,
	}
	peersCmd.Flags().StringVar(&registry, "registry", "replicas.registry.txt", "replicas registry file")

	rootCmd.AddCommand(runCmd, pmfCmd, peersCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildColvars(cfg *config.Config) []*colvar.Colvar {
	vars := make([]*colvar.Colvar, len(cfg.Colvars))
	for i, cc := range cfg.Colvars {
		vars[i] = &colvar.Colvar{
			Name:              cc.Name,
			Type:              colvar.TypeScalar,
			Width:             cc.Width,
			LowerBoundary:     cc.LowerBoundary,
			UpperBoundary:     cc.UpperBoundary,
			HardLowerBoundary: cc.HardLower,
			HardUpperBoundary: cc.HardUpper,
			ExpandBoundaries:  cc.ExpandBoundaries,
			Periodic:          cc.Periodic,
			Period:            cc.Period,
		}
	}
	return vars
}

func newBias(px *proxy.FileProxy) (*meta.MetaBias, *config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	b, err := meta.New(cfg, buildColvars(cfg), px)
	if err != nil {
		return nil, nil, err
	}
	return b, cfg, nil
}

func runSimulation(cmd *cobra.Command, args []string) error {
	px := proxy.NewFileProxy(workDir, kb, temp)
	defer px.Close()

	b, cfg, err := newBias(px)
	if err != nil {
		return err
	}
	defer b.Close()

	runner := &physics.Runner{
		Well: physics.NewDoubleWell(),
		Intg: physics.NewLangevin(dt, gamma, kb*temp, 1.0, seed),
		Bias: func(step int64, x float64) (float64, error) {
			values := []colvar.Value{colvar.Scalar(x)}
			if err := b.Update(step, values); err != nil {
				return 0, err
			}
			return b.Forces()[0].Real, nil
		},
	}

	fmt.Println(titleStyle.Render("metadyn run"))
	fmt.Printf("%s %s\n", keyStyle.Render("config:"), configFile)
	fmt.Printf("%s %d\n", keyStyle.Render("steps:"), steps)

	final, err := runner.Run(steps)
	if err != nil {
		return err
	}

	if err := b.WriteOutputFiles(); err != nil {
		return err
	}
	statePath := filepath.Join(workDir, cfg.OutputPrefix+"."+cfg.Name+".state")
	f, err := os.Create(statePath)
	if err != nil {
		return err
	}
	werr := b.WriteState(f)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return werr
	}

	fmt.Printf("%s %.4f\n", keyStyle.Render("final position:"), final)
	fmt.Printf("%s %d\n", keyStyle.Render("hills in memory:"), b.NumHills())
	fmt.Printf("%s %s\n", keyStyle.Render("state written:"), statePath)
	return nil
}

func dumpPMF(cmd *cobra.Command, args []string) error {
	px := proxy.NewFileProxy(workDir, kb, temp)
	defer px.Close()

	b, cfg, err := newBias(px)
	if err != nil {
		return err
	}
	defer b.Close()

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	err = b.ReadState(f)
	f.Close()
	if err != nil {
		return err
	}
	if err := b.WritePMF(); err != nil {
		return err
	}
	pmfPath := filepath.Join(workDir, cfg.OutputPrefix+"."+cfg.Name+".pmf")
	fmt.Printf("%s %s\n", keyStyle.Render("pmf written:"), pmfPath)

	if !plotPMF {
		return nil
	}
	if len(cfg.Colvars) != 1 {
		fmt.Println(warnStyle.Render("plotting is only available for one-dimensional surfaces"))
		return nil
	}
	pf, err := os.Open(pmfPath)
	if err != nil {
		return err
	}
	pmf, err := grid.ReadMulticolScalar(pf, buildColvars(cfg))
	pf.Close()
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render("PMF " + cfg.Colvars[0].Name))
	fmt.Println(asciigraph.Plot(pmf.RawData(), asciigraph.Height(15), asciigraph.Width(72)))
	return nil
}

func listPeers(cmd *cobra.Command, args []string) error {
	f, err := os.Open(registry)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Println(titleStyle.Render("replicas registry " + registry))
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		id, listFile := fields[0], fields[1]
		status := "ok"
		lf, err := os.Open(listFile)
		if err != nil {
			status = warnStyle.Render("list file missing")
			fmt.Printf("  %s %s (%s)\n", keyStyle.Render(id), listFile, status)
			continue
		}
		var k1, stateFile, k2, hillsFile string
		if _, err := fmt.Fscan(lf, &k1, &stateFile, &k2, &hillsFile); err != nil || k1 != "stateFile" || k2 != "hillsFile" {
			status = warnStyle.Render("malformed list file")
		} else {
			if _, err := os.Stat(stateFile); err != nil {
				status = warnStyle.Render("state file missing")
			} else if _, err := os.Stat(hillsFile); err != nil {
				status = warnStyle.Render("hills file missing")
			}
		}
		lf.Close()
		fmt.Printf("  %s %s (%s)\n", keyStyle.Render(id), listFile, status)
	}
	return sc.Err()
}
