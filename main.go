// Command digduck-crawler runs the crawl-job service.
package main

import "github.com/jae-tech/digduck-crawler/cmd"

func main() {
	cmd.Execute()
}
