package app

import (
	"errors"
	"fmt"
	"strings"
)

// Command はrentauthバイナリのサブコマンド。
type Command string

const (
	CommandServe   Command = "serve"
	CommandWorker  Command = "worker"
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はdistrolessイメージのDockerヘルスチェック用。
	// 稼働中のサーバーの/healthzを叩くだけなので設定の読み込みを必要としない。
	CommandHealthcheck Command = "healthcheck"
)

// commands は受け付けるサブコマンドの一覧。先頭が引数なしのときの既定。
var commands = []Command{CommandServe, CommandWorker, CommandMigrate, CommandHealthcheck}

// ErrUnknownCommand は未知のサブコマンドが指定されたことを示す。
var ErrUnknownCommand = errors.New("unknown command")

// ParseCommand はos.Args[1:]の先頭をサブコマンドとして解釈する。
// 引数がなければserveを返す。後続の引数は無視する。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return commands[0], nil
	}
	for _, c := range commands {
		if args[0] == string(c) {
			return c, nil
		}
	}

	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = string(c)
	}
	return "", fmt.Errorf("%w %q: expected one of %s", ErrUnknownCommand, args[0], strings.Join(names, ", "))
}

// NeedsConfig は起動前に環境変数から設定を読み込む必要があるかを返す。
func (c Command) NeedsConfig() bool {
	return c != CommandHealthcheck
}
