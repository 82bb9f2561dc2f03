package config

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	ini "gopkg.in/ini.v1"
)

// Overrides carries the CLI flag / environment values that take precedence
// over whatever the INI file says, per spec.md §6 ("CLI surface of the
// daemon: overrides for most [supervisord] settings").
type Overrides struct {
	NoDaemon  *bool
	PidFile   *string
	LogFile   *string
	LogLevel  *string
	HTTPAddr  *string
	User      *string
	Directory *string
}

// Load parses path as a supervisord-style INI file and merges CLI/env
// overrides into the effective snapshot. It never mutates a previously
// returned *Config; each call produces a fresh one, which is what makes
// reload-on-hangup safe (spec.md §4.G Reload).
func Load(path string, ov Overrides) (*Config, error) {
	// Repeated section headers are kept as separate sections (the library
	// would otherwise merge them silently) so validate can reject a
	// duplicated [program:NAME].
	f, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true, AllowNonUniqueSections: true}, path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	here := filepath.Dir(abs)

	cfg := &Config{Path: abs}

	if sec := f.Section("supervisord"); sec != nil {
		sc, err := parseSupervisordSection(sec, here)
		if err != nil {
			return nil, errors.Wrap(err, "[supervisord]")
		}
		cfg.Supervisord = sc
	} else {
		cfg.Supervisord = defaultSupervisordConfig()
	}

	if sec := f.Section("supervisorctl"); sec != nil {
		cfg.Supervisorctl = SupervisorctlConfig{
			ServerURL: sec.Key("serverurl").String(),
			Username:  sec.Key("username").String(),
			Password:  sec.Key("password").String(),
			Prompt:    sec.Key("prompt").MustString("supervisor"),
		}
	}

	names := f.SectionStrings()
	sort.Strings(names)
	for _, name := range names {
		if !strings.HasPrefix(name, "program:") {
			continue
		}
		progName := strings.TrimPrefix(name, "program:")
		pc, err := parseProgramSection(progName, f.Section(name), here, cfg.Supervisord.ChildLogDir)
		if err != nil {
			return nil, errors.Wrapf(err, "[program:%s]", progName)
		}
		cfg.Programs = append(cfg.Programs, pc)
	}

	applyOverrides(&cfg.Supervisord, ov)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultSupervisordConfig() SupervisordConfig {
	return SupervisordConfig{
		HTTPAddr:       "127.0.0.1:9001",
		Umask:          022,
		LogFileBackups: 10,
		LogLevel:       "info",
		PidFile:        "supervisord.pid",
		BackoffLimit:   3,
	}
}

func parseSupervisordSection(sec *ini.Section, here string) (SupervisordConfig, error) {
	sc := defaultSupervisordConfig()

	if sec.HasKey("http_port") {
		addr, isUnix := parseHostOrSocket(sec.Key("http_port").String())
		sc.HTTPAddr, sc.HTTPIsUnix = addr, isUnix
	}
	if sec.HasKey("sockchmod") {
		mode, err := parseUmask(sec.Key("sockchmod").String())
		if err != nil {
			return sc, errors.Wrap(err, "sockchmod")
		}
		sc.SockChmod = osFileMode(mode)
	}
	if sec.HasKey("sockchown") {
		sc.SockChownUser, sc.SockChownGroup = parseChown(sec.Key("sockchown").String())
	}
	if sec.HasKey("umask") {
		um, err := parseUmask(sec.Key("umask").String())
		if err != nil {
			return sc, errors.Wrap(err, "umask")
		}
		sc.Umask = um
	}
	sc.LogFile = expand(sec.Key("logfile").MustString(sc.LogFile), here)
	if sec.HasKey("logfile_maxbytes") {
		n, err := parseSize(sec.Key("logfile_maxbytes").String())
		if err != nil {
			return sc, errors.Wrap(err, "logfile_maxbytes")
		}
		sc.LogFileMaxBytes = n
	}
	sc.LogFileBackups = sec.Key("logfile_backups").MustInt(sc.LogFileBackups)
	sc.LogLevel = sec.Key("loglevel").MustString(sc.LogLevel)
	sc.PidFile = expand(sec.Key("pidfile").MustString(sc.PidFile), here)
	sc.NoDaemon = sec.Key("nodaemon").MustBool(false)
	sc.MinFDs = uint64(sec.Key("minfds").MustInt(1024))
	sc.MinProcs = uint64(sec.Key("minprocs").MustInt(200))
	sc.BackoffLimit = sec.Key("backofflimit").MustInt(sc.BackoffLimit)
	sc.NoCleanup = sec.Key("nocleanup").MustBool(false)
	sc.Forever = sec.Key("forever").MustBool(false)
	sc.HTTPUsername = sec.Key("http_username").String()
	sc.HTTPPassword = sec.Key("http_password").String()
	sc.ChildLogDir = expand(sec.Key("childlogdir").MustString(""), here)
	sc.User = sec.Key("user").String()
	sc.Directory = expand(sec.Key("directory").String(), here)
	sc.Identifier = sec.Key("identifier").MustString("supervisor")

	return sc, nil
}

func parseProgramSection(name string, sec *ini.Section, here, childLogDir string) (ProgramConfig, error) {
	pc := ProgramConfig{
		Name:      name,
		Priority:  sec.Key("priority").MustInt(999),
		AutoStart: sec.Key("autostart").MustBool(true),
		StartSecs: sec.Key("startsecs").MustInt(DefaultStartSecs),
		LogStderr: sec.Key("log_stderr").MustBool(false),
		Directory: expand(sec.Key("directory").String(), here),
		User:      sec.Key("user").String(),
	}
	// autorestart defaults to true, matching supervisord's historical
	// default for this spec's scope (see options.py make_process_config).
	pc.AutoRestart = sec.Key("autorestart").MustBool(true)

	rawCmd := sec.Key("command").String()
	if rawCmd == "" {
		return pc, errors.New("command is required")
	}
	argv, err := splitArgv(expand(rawCmd, here))
	if err != nil {
		return pc, err
	}
	pc.Argv = argv

	codes, err := parseExitCodes(sec.Key("exitcodes").MustString("0"))
	if err != nil {
		return pc, err
	}
	pc.ExitCodes = codes

	sigName := sec.Key("stopsignal").MustString("TERM")
	sig, err := parseSignal(sigName)
	if err != nil {
		return pc, err
	}
	if err := validateStopSignalChoice(sig); err != nil {
		return pc, err
	}
	pc.StopSignal = sig

	maxBytes, err := parseSize(sec.Key("logfile_maxbytes").MustString("50MB"))
	if err != nil {
		return pc, errors.Wrap(err, "logfile_maxbytes")
	}
	backups := sec.Key("logfile_backups").MustInt(10)

	pc.Stdout = parseLogSpec(sec.Key("logfile").String(), maxBytes, backups)
	if pc.Stdout.Policy == LogAuto && childLogDir != "" {
		pc.Stdout.Path = childLogDir
	}
	if pc.LogStderr {
		pc.Stderr = LogSpec{Policy: LogNone}
	} else {
		pc.Stderr = parseLogSpec(sec.Key("stderr_logfile").String(), maxBytes, backups)
	}

	return pc, nil
}

func applyOverrides(sc *SupervisordConfig, ov Overrides) {
	if ov.NoDaemon != nil {
		sc.NoDaemon = *ov.NoDaemon
	}
	if ov.PidFile != nil {
		sc.PidFile = *ov.PidFile
	}
	if ov.LogFile != nil {
		sc.LogFile = *ov.LogFile
	}
	if ov.LogLevel != nil {
		sc.LogLevel = *ov.LogLevel
	}
	if ov.HTTPAddr != nil {
		addr, isUnix := parseHostOrSocket(*ov.HTTPAddr)
		sc.HTTPAddr, sc.HTTPIsUnix = addr, isUnix
	}
	if ov.User != nil {
		sc.User = *ov.User
	}
	if ov.Directory != nil {
		sc.Directory = *ov.Directory
	}
}

func validate(cfg *Config) error {
	seen := map[string]bool{}
	for _, p := range cfg.Programs {
		if seen[p.Name] {
			return errors.Errorf("duplicate program name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}
