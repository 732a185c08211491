package main

import (
	"fmt"
	"os"

	cli "github.com/urfave/cli/v2"

	"sbt86"
)

func disasmFile(file string, relocSegment uint16) error {
	img, err := sbt86.LoadBinaryImage(file, relocSegment)
	if err != nil {
		return err
	}
	dis := sbt86.NewDisassembler(img)
	addr := img.EntryPoint()
	for i := 0; i < 200; i++ {
		in, err := dis.Decode(addr)
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", in.Addr, in.Mnemonic)
		addr = addr.Add(in.Length())
	}
	return nil
}

func sigSearch(file, pattern string, relocSegment uint16) error {
	img, err := sbt86.LoadBinaryImage(file, relocSegment)
	if err != nil {
		return err
	}
	sig, err := sbt86.NewSignature(pattern)
	if err != nil {
		return err
	}
	for _, off := range sig.FindAll(img.Data) {
		addr := sbt86.NewAddressFromLinear(uint32(int(relocSegment)*16 + off))
		fmt.Println(addr)
	}
	return nil
}

func translate(file, outPath, className string, relocSegment uint16) error {
	bin, err := sbt86.NewDOSBinary(file, relocSegment)
	if err != nil {
		return err
	}
	return bin.WriteCodeToFile(outPath, className)
}

func main() {
	app := cli.NewApp()
	app.Name = "sbt86"
	app.Usage = "Static binary translator for 16-bit real-mode DOS MZ executables"
	app.Action = func(c *cli.Context) error {
		cli.ShowAppHelp(c)
		return nil
	}
	app.Commands = []*cli.Command{
		{
			Name:      "disasm",
			Aliases:   []string{"d"},
			Usage:     "Disassemble a DOS executable starting at its entry point",
			ArgsUsage: "exe",
			Action: func(c *cli.Context) error {
				args := c.Args()
				if args.Len() < 1 {
					return cli.Exit("Insufficient arguments", 1)
				}
				if err := disasmFile(args.First(), uint16(c.Int("reloc"))); err != nil {
					return cli.Exit(err, 1)
				}
				return nil
			},
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "reloc", Value: 0x1000, Usage: "nominal load segment"},
			},
		},
		{
			Name:      "sig",
			Usage:     "Search a binary for a signature pattern",
			ArgsUsage: "exe pattern",
			Action: func(c *cli.Context) error {
				args := c.Args()
				if args.Len() < 2 {
					return cli.Exit("Insufficient arguments", 1)
				}
				if err := sigSearch(args.Get(0), args.Get(1), uint16(c.Int("reloc"))); err != nil {
					return cli.Exit(err, 1)
				}
				return nil
			},
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "reloc", Value: 0x1000, Usage: "nominal load segment"},
			},
		},
		{
			Name:      "translate",
			Aliases:   []string{"t"},
			Usage:     "Translate a DOS executable into emitted source",
			ArgsUsage: "exe output.cpp className",
			Action: func(c *cli.Context) error {
				args := c.Args()
				if args.Len() < 3 {
					return cli.Exit("Insufficient arguments", 1)
				}
				err := translate(args.Get(0), args.Get(1), args.Get(2), uint16(c.Int("reloc")))
				if err != nil {
					return cli.Exit(err, 1)
				}
				return nil
			},
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "reloc", Value: 0x1000, Usage: "nominal load segment"},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
