package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fedipress/fedipress/activitypub"
	"github.com/fedipress/fedipress/db"
	"github.com/fedipress/fedipress/util"
	"github.com/fedipress/fedipress/web"
)

func main() {

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	fmt.Println("Configuration: ")
	fmt.Println(util.PrettyPrint(conf))

	log.Println("Running database migrations...")
	database := db.GetDB()
	if err := database.RunMigrations(); err != nil {
		log.Fatalln(err)
	}
	log.Println("Database migrations complete")

	var worker *activitypub.DeliveryWorker
	if conf.Conf.WithAp {
		worker = activitypub.NewDeliveryWorker(database, conf.Policy(), conf.Conf.SslDomain)
		worker.Start()
	}

	server := web.NewServer(conf, database)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Run(); err != nil {
			log.Fatalln(err)
		}
	}()

	<-done
	log.Println("Stopping federation server")
	if worker != nil {
		worker.Stop()
	}
}
