// skiff client
//
// Copyright (c) 2020 the skiff authors
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package main

import (
	"bytes"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	isatty "github.com/mattn/go-isatty"
	"github.com/xinghhhhhhh/skiff/logger"
	"github.com/xinghhhhhhh/skiff/skiffnet"
)

var (
	version   string
	gitCommit string // set in -ldflags by build

	kcpMode string

	// Log - syslog output (with no -d)
	Log *logger.Writer
)

const (
	chanWinSize = 1048576
	chanMaxPkt  = 16384
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [opts] host[:port] remotefile\n", os.Args[0])
	flag.PrintDefaults()
}

// filePayload encodes the file-channel request: one length-prefixed
// path string.
func filePayload(p string) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.BigEndian, uint32(len(p)))
	b.WriteString(p)
	return b.Bytes()
}

func fetch(hc *skiffnet.Conn, remote string, out io.Writer) error {
	ch, f, err := hc.OpenChannel("file-fetch", chanWinSize, chanMaxPkt,
		filePayload(remote))
	if err != nil {
		return err
	}
	if _, _, err = f.Await(); err != nil {
		return err
	}
	for p := range ch.In {
		if _, err = out.Write(p); err != nil {
			ch.Close()
			return err
		}
		ch.ConsumeLocalWindow(uint32(len(p)))
	}
	return nil
}

func store(hc *skiffnet.Conn, remote string, in io.Reader) error {
	ch, f, err := hc.OpenChannel("file-store", chanWinSize, chanMaxPkt,
		filePayload(remote))
	if err != nil {
		return err
	}
	if _, _, err = f.Await(); err != nil {
		return err
	}
	buf := make([]byte, chanMaxPkt)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			b := buf[:n]
			for len(b) > 0 {
				w := ch.PeerWindow()
				m := uint32(len(b))
				if m > chanMaxPkt {
					m = chanMaxPkt
				}
				if w.Size == 0 {
					time.Sleep(5 * time.Millisecond)
					continue
				}
				if m > w.Size {
					m = w.Size
				}
				if err = ch.Send(b[:m]); err != nil {
					return err
				}
				b = b[m:]
			}
		}
		if rerr == io.EOF {
			return ch.Close()
		}
		if rerr != nil {
			ch.Close()
			return rerr
		}
	}
}

func main() {
	var vopt bool
	var dbg bool
	var cipherAlg string
	var hmacAlg string
	var kexAlg string
	var putMode bool
	var outFile string
	var chaffEnabled bool
	var chaffFreqMin uint
	var chaffFreqMax uint
	var chaffBytesMax uint

	flag.BoolVar(&vopt, "v", false, "show version")
	flag.BoolVar(&dbg, "d", false, "debug logging")
	flag.StringVar(&cipherAlg, "c", "C_AES_256", "session `cipher` [C_AES_256 | C_TWOFISH_128 | C_BLOWFISH_64 | C_CRYPTMT1 | C_WANDERER | C_CHACHA20_12]")
	flag.StringVar(&hmacAlg, "m", "H_SHA256", "session `HMAC` [H_SHA256 | H_SHA512]")
	flag.StringVar(&kexAlg, "k", "KEX_HERRADURA512", "KEx `alg` [KEX_HERRADURA{256/512/1024/2048} | KEX_DH_GROUP14 | KEX_ECDH_P256 | KEX_X25519 | KEX_KYBER{512/768/1024} | KEX_NEWHOPE | KEX_NEWHOPE_SIMPLE]")
	flag.StringVar(&kcpMode, "K", "unused", "KCP `alg` to use KCP (github.com/xtaci/kcp-go) reliable UDP instead of TCP")
	flag.BoolVar(&putMode, "u", false, "upload stdin to remotefile instead of fetching")
	flag.StringVar(&outFile, "o", "", "write fetched data to `file` instead of stdout")
	flag.BoolVar(&chaffEnabled, "e", true, "enable chaff pkts")
	flag.UintVar(&chaffFreqMin, "f", 100, "chaff pkt freq min `msecs`")
	flag.UintVar(&chaffFreqMax, "F", 5000, "chaff pkt freq max `msecs`")
	flag.UintVar(&chaffBytesMax, "B", 64, "chaff pkt size max `bytes`")
	flag.Usage = usage
	flag.Parse()

	if vopt {
		fmt.Printf("version %s (%s)\n", version, gitCommit)
		os.Exit(0)
	}
	if flag.NArg() != 2 {
		usage()
		os.Exit(2)
	}
	server := flag.Arg(0)
	remote := flag.Arg(1)

	proto := "tcp"
	extensions := []string{kexAlg, cipherAlg, hmacAlg}
	if kcpMode != "unused" {
		proto = "kcp"
		extensions = append(extensions, kcpMode)
	}

	Log, _ = logger.New(logger.LOG_USER|logger.LOG_DEBUG, "skiff")
	skiffnet.Init(dbg, "skiff", logger.LOG_USER|logger.LOG_DEBUG)

	hc, err := skiffnet.Dial(proto, server, extensions...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(3)
	}
	defer hc.Close()

	if chaffEnabled {
		hc.SetupChaff(chaffFreqMin, chaffFreqMax, chaffBytesMax)
		hc.EnableChaff()
		defer hc.ShutdownChaff()
	}

	// drive inbound dispatch for channel traffic
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, e := hc.Read(buf); e != nil {
				return
			}
		}
	}()

	if putMode {
		if err = store(hc, remote, os.Stdin); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(4)
		}
		return
	}

	var out io.Writer = os.Stdout
	if outFile != "" {
		f, ferr := os.Create(outFile)
		if ferr != nil {
			fmt.Fprintln(os.Stderr, ferr)
			os.Exit(4)
		}
		defer f.Close()
		out = f
	} else if isatty.IsTerminal(os.Stdout.Fd()) {
		log.Println("[writing fetched data to a terminal]")
	}

	if err = fetch(hc, remote, out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(4)
	}
}
