package main

import "time"

// GlobalFlags are the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	// Remote server; empty operates on the local registry directly.
	APIUrl     string
	APITimeout time.Duration
	Token      string
	CACert     string
	Insecure   bool
	JSON       bool
}

type RegisterFlags struct {
	Name      string
	Command   string
	WorkDir   string
	Port      int
	Range     string
	Env       []string
	AutoStart bool
	Start     bool
}

type EditFlags struct {
	Name       string
	Command    string
	WorkDir    string
	Port       int
	DetectPort bool
	SetEnv     []string
	UnsetEnv   []string
	AutoStart  string // "", "true" or "false"
}

type LogsFlags struct {
	Name  string
	Lines int
}

type RangeFlags struct {
	Name  string
	Start int
	End   int
}

type BackupFlags struct {
	Path   string
	Format string
	Mode   string
}

type HistoryFlags struct {
	Service string
	Limit   int
}

type ServeFlags struct {
	Listen string
}

type TokenFlags struct {
	Subject string
	Scope   string
	TTL     time.Duration
}
